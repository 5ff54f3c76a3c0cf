// Package cloudflare implements the transit-priority bulk update client
// against the Cloudflare Magic Transit API (api.cloudflare.com/client/v4).
// There is no official Cloudflare Go SDK in the dependency pack this
// daemon was built from, so the client is a thin net/http wrapper, matching
// the requests-based original.
package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mancow2001/mt-gcp-router-management/internal/actuation"
	"github.com/mancow2001/mt-gcp-router-management/internal/resilience"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Client manages Magic Transit routes for a single Cloudflare account.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accountID  string
	token      string
	logger     *zap.Logger
}

// Option configures a Client at construction.
type Option func(*Client)

// WithBaseURL overrides the API base URL, for tests.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client for accountID, authenticated with an API
// token carrying Magic Transit permissions.
func NewClient(accountID, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		baseURL:    defaultBaseURL,
		accountID:  accountID,
		token:      token,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiEnvelope struct {
	Success bool              `json:"success"`
	Errors  []json.RawMessage `json:"errors"`
	Result  json.RawMessage   `json:"result"`
}

type route struct {
	ID          string `json:"id"`
	Prefix      string `json:"prefix"`
	Nexthop     string `json:"nexthop"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`
	Weight      int    `json:"weight,omitempty"`
}

type routeList struct {
	Routes []route `json:"routes"`
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mt-gcp-router-management/1.0")
	return req, nil
}

// VerifyConnectivity checks token validity and Magic Transit route access,
// intended for use as a startup self-test.
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	verifyURL := fmt.Sprintf("%s/accounts/%s/tokens/verify", c.baseURL, c.accountID)
	req, err := c.newRequest(ctx, http.MethodGet, verifyURL, nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("cloudflare: token verification failed: %w", err)
	}

	listURL := fmt.Sprintf("%s/accounts/%s/magic/routes", c.baseURL, c.accountID)
	req, err = c.newRequest(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("cloudflare: route access test failed: %w", err)
	}
	return nil
}

// SetPriority bulk-updates every route whose description contains
// descSubstring (case-sensitive) to desiredPriority. It is idempotent:
// routes already at the desired priority are left untouched, and if no
// route needs a change the call returns actuation.NoChange without
// issuing the PUT.
func (c *Client) SetPriority(ctx context.Context, descSubstring string, desiredPriority int) (actuation.Result, error) {
	listURL := fmt.Sprintf("%s/accounts/%s/magic/routes", c.baseURL, c.accountID)
	req, err := c.newRequest(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return actuation.Failure, err
	}
	result, err := c.do(req)
	if err != nil {
		return actuation.Failure, fmt.Errorf("cloudflare: listing routes: %w", err)
	}

	var list routeList
	if err := json.Unmarshal(result, &list); err != nil {
		return actuation.Failure, fmt.Errorf("cloudflare: decoding route list: %w", err)
	}

	var updates []route
	for _, r := range list.Routes {
		if descSubstring == "" || !strings.Contains(r.Description, descSubstring) {
			continue
		}
		if r.Priority != desiredPriority {
			updated := r
			updated.Priority = desiredPriority
			updates = append(updates, updated)
		}
	}

	if len(updates) == 0 {
		return actuation.NoChange, nil
	}

	payload, _ := json.Marshal(map[string]any{"routes": updates})
	putReq, err := c.newRequest(ctx, http.MethodPut, listURL, bytes.NewReader(payload))
	if err != nil {
		return actuation.Failure, err
	}
	if _, err := c.do(putReq); err != nil {
		return actuation.Failure, fmt.Errorf("cloudflare: bulk route update: %w", err)
	}

	c.logger.Info("cloudflare routes updated",
		zap.String("filter", descSubstring), zap.Int("priority", desiredPriority), zap.Int("count", len(updates)))
	return actuation.Success, nil
}

// do executes req and returns the decoded envelope's result payload.
// Permanent HTTP statuses (403, 404) are wrapped with resilience.NewPermanent.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
			return nil, resilience.NewPermanent(fmt.Errorf("cloudflare: HTTP %d: %s", resp.StatusCode, string(body)))
		}
		return nil, fmt.Errorf("cloudflare: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("cloudflare api returned success=false: %s", string(body))
	}
	return env.Result, nil
}
