// Package gcpmonitor implements the backend-health, BGP-session, and
// route-advertisement monitor client against the GCP Compute Engine REST
// API. It classifies upstream errors into permanent/transient/unclassified
// per the daemon's error handling design. The Compute Engine calls go over
// plain net/http; the only GCP library used is the metadata-server client
// behind workload-identity tokens.
package gcpmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/health"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://compute.googleapis.com/compute/v1"

// Client talks to the Compute Engine REST API for a single GCP project.
type Client struct {
	httpClient *http.Client
	baseURL    string
	project    string
	logger     *zap.Logger
}

// Option configures a Client at construction.
type Option func(*Client)

// WithBaseURL overrides the Compute Engine API base URL, for tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient builds a Client authenticated via tokenSource.
func NewClient(project string, tokenSource oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		baseURL:    defaultBaseURL,
		project:    project,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type backendServiceHealth struct {
	HealthStatus []struct {
		HealthState string `json:"healthState"`
	} `json:"healthStatus"`
}

type backendService struct {
	Name     string `json:"name"`
	Backends []struct {
		Group string `json:"group"`
	} `json:"backends"`
}

type backendServiceList struct {
	Items []backendService `json:"items"`
}

// ProbeBackends checks the health of every regional backend service. It
// returns health.Healthy only if every backend on every service reports
// HEALTHY; health.Unhealthy if any backend reports a non-HEALTHY status or
// no status at all; and
// health.Unknown (with a nil error) if the monitoring call itself failed
// transiently or with an unrecognized status code. A non-nil error is
// returned only for permanent (misconfiguration) failures, wrapped with
// resilience.NewPermanent so the retry engine stops immediately.
func (c *Client) ProbeBackends(ctx context.Context, region string) (health.Signal, error) {
	listURL := fmt.Sprintf("%s/projects/%s/regions/%s/backendServices", c.baseURL, c.project, region)

	var list backendServiceList
	ok, err := c.getJSON(ctx, listURL, &list)
	if err != nil {
		return health.Unknown, err
	}
	if !ok {
		return health.Unknown, nil
	}

	if len(list.Items) == 0 {
		return health.Healthy, nil
	}

	allHealthy := true
	for _, svc := range list.Items {
		for _, backend := range svc.Backends {
			healthURL := fmt.Sprintf("%s/projects/%s/regions/%s/backendServices/%s/getHealth",
				c.baseURL, c.project, region, svc.Name)

			body, _ := json.Marshal(map[string]string{"group": backend.Group})
			var bh backendServiceHealth
			ok, err := c.postJSON(ctx, healthURL, body, &bh)
			if err != nil {
				return health.Unknown, err
			}
			if !ok {
				return health.Unknown, nil
			}

			if len(bh.HealthStatus) == 0 {
				allHealthy = false
				continue
			}
			for _, hs := range bh.HealthStatus {
				if hs.HealthState != "HEALTHY" {
					allHealthy = false
				}
			}
		}
	}

	return health.FromBool(allHealthy), nil
}

type routerStatusResponse struct {
	Result struct {
		BgpPeerStatus []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"bgpPeerStatus"`
	} `json:"result"`
}

// ProbeBGP checks whether every declared BGP peer on the router is UP.
// A router with no declared peers is vacuously healthy, matching
// ProbeBackends' empty-result handling. Classification otherwise follows
// the same permanent/transient/unclassified rules as ProbeBackends.
func (c *Client) ProbeBGP(ctx context.Context, region, router string) (health.Signal, error) {
	url := fmt.Sprintf("%s/projects/%s/regions/%s/routers/%s/getRouterStatus", c.baseURL, c.project, region, router)

	var resp routerStatusResponse
	ok, err := c.getJSON(ctx, url, &resp)
	if err != nil {
		return health.Unknown, err
	}
	if !ok {
		return health.Unknown, nil
	}

	allUp := true
	for _, peer := range resp.Result.BgpPeerStatus {
		if peer.Status != "UP" {
			allUp = false
			break
		}
	}
	return health.FromBool(allUp), nil
}

type routerConfig struct {
	BGP struct {
		AdvertisedIPRanges []struct {
			Range string `json:"range"`
		} `json:"advertisedIpRanges"`
	} `json:"bgp"`
}

// SetAdvertisement adds or removes prefix from the router's advertised IP
// ranges. desired == nil is the no-op case (state 0): no API call is made
// and actuation.NoChange is returned. Idempotent: if the current
// advertisement state already matches desired, no patch call is issued.
func (c *Client) SetAdvertisement(ctx context.Context, region, router, prefix string, desired *bool) (actuation.Result, error) {
	if desired == nil {
		return actuation.NoChange, nil
	}

	getURL := fmt.Sprintf("%s/projects/%s/regions/%s/routers/%s", c.baseURL, c.project, region, router)
	var cfg routerConfig
	ok, err := c.getJSON(ctx, getURL, &cfg)
	if err != nil {
		return actuation.Failure, err
	}
	if !ok {
		return actuation.Failure, fmt.Errorf("gcpmonitor: could not read router configuration for %s/%s", region, router)
	}

	exists := false
	ranges := make([]string, 0, len(cfg.BGP.AdvertisedIPRanges))
	for _, r := range cfg.BGP.AdvertisedIPRanges {
		ranges = append(ranges, r.Range)
		if r.Range == prefix {
			exists = true
		}
	}

	if exists == *desired {
		return actuation.NoChange, nil
	}

	var newRanges []string
	if *desired {
		newRanges = append(ranges, prefix)
	} else {
		for _, r := range ranges {
			if r != prefix {
				newRanges = append(newRanges, r)
			}
		}
	}

	patchRanges := make([]map[string]string, 0, len(newRanges))
	for _, r := range newRanges {
		patchRanges = append(patchRanges, map[string]string{"range": r})
	}
	payload, _ := json.Marshal(map[string]any{
		"bgp": map[string]any{"advertisedIpRanges": patchRanges},
	})

	patchURL := getURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, patchURL, bytes.NewReader(payload))
	if err != nil {
		return actuation.Failure, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return actuation.Failure, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if isPermanentStatus(resp.StatusCode) {
			return actuation.Failure, resilience.NewPermanent(fmt.Errorf("gcpmonitor: router patch returned HTTP %d", resp.StatusCode))
		}
		return actuation.Failure, fmt.Errorf("gcpmonitor: router patch returned HTTP %d", resp.StatusCode)
	}

	c.logger.Info("bgp advertisement updated",
		zap.String("router", router), zap.String("prefix", prefix), zap.Bool("advertise", *desired))
	return actuation.Success, nil
}

// getJSON performs a GET and decodes the body into out. The returned bool
// is false for transient/unclassified failures (caller should treat the
// probe as UNKNOWN); a non-nil error is returned only for permanent
// (misconfiguration) failures, which must propagate rather than collapse
// to UNKNOWN.
func (c *Client) getJSON(ctx context.Context, url string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) (bool, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gcp api request failed", zap.Error(err), zap.String("url", req.URL.String()))
		return false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if isPermanentStatus(resp.StatusCode) {
			msg, _ := io.ReadAll(resp.Body)
			return false, resilience.NewPermanent(fmt.Errorf("gcpmonitor: HTTP %d: %s", resp.StatusCode, string(msg)))
		}
		if transientStatusCodes[resp.StatusCode] {
			c.logger.Warn("gcp api transient error", zap.Int("status", resp.StatusCode), zap.String("url", req.URL.String()))
		} else {
			c.logger.Warn("gcp api unclassified error", zap.Int("status", resp.StatusCode), zap.String("url", req.URL.String()))
		}
		return false, nil
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.logger.Warn("gcp api response decode failed", zap.Error(err))
			return false, nil
		}
	}
	return true, nil
}
