package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// loader accumulates every validation error encountered while reading
// the environment, rather than failing fast on the first one.
type loader struct {
	errs []error
}

func (l *loader) fail(format string, args ...any) {
	l.errs = append(l.errs, fmt.Errorf(format, args...))
}

func (l *loader) getString(key string, defaultValue string, required bool) string {
	v := os.Getenv(key)
	if v == "" {
		if required {
			l.fail("%s is required and was not set", key)
		}
		return defaultValue
	}
	return v
}

func (l *loader) getBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail("%s=%q is not a valid boolean", key, v)
		return defaultValue
	}
	return b
}

func (l *loader) getInt(key string, defaultValue, min, max int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail("%s=%q is not a valid integer", key, v)
		return defaultValue
	}
	if n < min || n > max {
		l.fail("%s=%d is outside the allowed range [%d, %d]", key, n, min, max)
		return defaultValue
	}
	return n
}

func (l *loader) getFloatSeconds(key string, defaultValue float64, min, max float64) time.Duration {
	v := os.Getenv(key)
	f := defaultValue
	if v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			l.fail("%s=%q is not a valid number", key, v)
		} else {
			f = parsed
		}
	}
	if f < min || f > max {
		l.fail("%s=%v is outside the allowed range [%v, %v]", key, f, min, max)
		f = defaultValue
	}
	return time.Duration(f * float64(time.Second))
}

func (l *loader) getIntSeconds(key string, defaultValue, min, max int) time.Duration {
	return time.Duration(l.getInt(key, defaultValue, min, max)) * time.Second
}

func (l *loader) getPrefix(key string, required bool) string {
	v := os.Getenv(key)
	if v == "" {
		if required {
			l.fail("%s is required and was not set", key)
		}
		return ""
	}
	if _, err := netip.ParsePrefix(v); err != nil {
		l.fail("%s=%q is not a valid CIDR prefix: %v", key, v, err)
	}
	return v
}

func (l *loader) getExceptionStates(key string, defaultValue map[int]bool) map[int]bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	states := map[int]bool{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			l.fail("%s contains invalid state code %q", key, part)
			continue
		}
		states[n] = true
	}
	return states
}

// Load reads the daemon's configuration from the environment, validating
// presence, numeric ranges, CIDR format, and cross-field constraints.
// It returns every validation failure found, not just the first.
func Load() (*Config, []error) {
	l := &loader{}

	maxRetriesDefault := l.getInt("MAX_RETRIES", 3, 0, 20)
	// An explicitly set MAX_RETRIES replaces the built-in default of every
	// per-operation retry count that is not itself set.
	retries := func(key string, defaultValue int) int {
		if os.Getenv("MAX_RETRIES") != "" {
			defaultValue = maxRetriesDefault
		}
		return l.getInt(key, defaultValue, 0, 20)
	}

	cfg := &Config{
		CheckInterval: l.getIntSeconds("CHECK_INTERVAL_SECONDS", 60, 1, 3600),

		Retry: RetryConfig{
			MaxRetriesHealthCheck: retries("MAX_RETRIES_HEALTH_CHECK", 5),
			MaxRetriesBGPCheck:    retries("MAX_RETRIES_BGP_CHECK", 4),
			MaxRetriesBGPUpdate:   retries("MAX_RETRIES_BGP_UPDATE", 2),
			MaxRetriesCloudflare:  retries("MAX_RETRIES_CLOUDFLARE", 3),
			MaxRetriesDefault:     maxRetriesDefault,
			InitialBackoff:        l.getFloatSeconds("INITIAL_BACKOFF_SECONDS", 1, 0, 60),
			MaxBackoff:            l.getFloatSeconds("MAX_BACKOFF_SECONDS", 60, 0, 600),
		},

		Breaker: BreakerConfig{
			Threshold:   l.getInt("CIRCUIT_BREAKER_THRESHOLD", 5, 1, 100),
			OpenTimeout: l.getIntSeconds("CIRCUIT_BREAKER_TIMEOUT_SECONDS", 300, 1, 3600),
		},

		Hysteresis: HysteresisConfig{
			Window:     l.getInt("HEALTH_CHECK_WINDOW", 5, 3, 10),
			Threshold:  l.getInt("HEALTH_CHECK_THRESHOLD", 3, 1, 10),
			Asymmetric: l.getBool("ASYMMETRIC_HYSTERESIS", false),
		},

		Verification: VerificationConfig{
			State2Threshold: l.getInt("STATE_2_VERIFICATION_THRESHOLD", 2, 1, 10),
			State3Threshold: l.getInt("STATE_3_VERIFICATION_THRESHOLD", 2, 1, 10),
			State4Threshold: l.getInt("STATE_4_VERIFICATION_THRESHOLD", 2, 1, 10),
		},

		Dwell: DwellConfig{
			MinDwellTime:    l.getIntSeconds("MIN_STATE_DWELL_TIME", 120, 30, 600),
			ExceptionStates: l.getExceptionStates("DWELL_TIME_EXCEPTION_STATES", map[int]bool{1: true, 4: true}),
		},

		RunPassive: l.getBool("RUN_PASSIVE", false),

		Timeouts: TimeoutConfig{
			GCPAPI:           l.getIntSeconds("GCP_API_TIMEOUT", 30, 5, 300),
			GCPBackendHealth: l.getIntSeconds("GCP_BACKEND_HEALTH_TIMEOUT", 45, 5, 300),
			GCPBGPOperation:  l.getIntSeconds("GCP_BGP_OPERATION_TIMEOUT", 60, 5, 300),
			CloudflareAPI:    l.getIntSeconds("CLOUDFLARE_API_TIMEOUT", 10, 5, 300),
			CloudflareBulk:   l.getIntSeconds("CLOUDFLARE_BULK_TIMEOUT", 60, 5, 300),
		},

		Topology: TopologyConfig{
			LocalGCPRegion:       l.getString("LOCAL_GCP_REGION", "", true),
			RemoteGCPRegion:      l.getString("REMOTE_GCP_REGION", "", true),
			LocalBGPRouter:       l.getString("LOCAL_BGP_ROUTER", "", true),
			RemoteBGPRouter:      l.getString("REMOTE_BGP_ROUTER", "", true),
			LocalBGPRegion:       l.getString("LOCAL_BGP_REGION", "", true),
			RemoteBGPRegion:      l.getString("REMOTE_BGP_REGION", "", true),
			BGPPeerProject:       l.getString("BGP_PEER_PROJECT", "", true),
			GCPProject:           l.getString("GCP_PROJECT", "", true),
			PrimaryPrefix:        l.getPrefix("PRIMARY_PREFIX", true),
			SecondaryPrefix:      l.getPrefix("SECONDARY_PREFIX", true),
			DescriptionSubstring: l.getString("DESCRIPTION_SUBSTRING", "", true),

			CloudflarePrimaryPriority:   l.getInt("CLOUDFLARE_PRIMARY_PRIORITY", 100, 0, 1000),
			CloudflareSecondaryPriority: l.getInt("CLOUDFLARE_SECONDARY_PRIORITY", 200, 0, 1000),
			CloudflareAccountID:         l.getString("CLOUDFLARE_ACCOUNT_ID", "", true),
			CloudflareAPIToken:          l.getString("CLOUDFLARE_API_TOKEN", "", true),
		},

		GCPAuth: GCPAuthConfig{
			CredentialsFile:     l.getString("GCP_CREDENTIALS_FILE", "", false),
			UseWorkloadIdentity: l.getBool("GCP_USE_WORKLOAD_IDENTITY", false),
		},

		Logging: LoggingConfig{
			Level:  l.getString("LOG_LEVEL", "info", false),
			Format: l.getString("LOG_FORMAT", "json", false),
		},
		MetricsAddr: l.getString("METRICS_ADDR", ":9090", false),
		AdminAddr:   l.getString("ADMIN_ADDR", ":8081", false),

		MaxConsecutiveErrors: 10,
	}

	if cfg.Hysteresis.Threshold > cfg.Hysteresis.Window {
		l.fail("HEALTH_CHECK_THRESHOLD (%d) must not exceed HEALTH_CHECK_WINDOW (%d)",
			cfg.Hysteresis.Threshold, cfg.Hysteresis.Window)
	}

	l.validateGCPAuth(cfg.GCPAuth)
	l.validateLogLevel(cfg.Logging.Level)
	l.validateLogFormat(cfg.Logging.Format)

	if len(l.errs) > 0 {
		return nil, l.errs
	}
	return cfg, nil
}

func (l *loader) validateGCPAuth(auth GCPAuthConfig) {
	hasFile := auth.CredentialsFile != ""
	if hasFile == auth.UseWorkloadIdentity {
		l.fail("exactly one of GCP_CREDENTIALS_FILE or GCP_USE_WORKLOAD_IDENTITY=true must be set")
		return
	}
	if hasFile {
		if _, err := os.Stat(auth.CredentialsFile); err != nil {
			l.fail("GCP_CREDENTIALS_FILE=%q is not readable: %v", auth.CredentialsFile, err)
		}
	}
}

func (l *loader) validateLogLevel(level string) {
	switch level {
	case "debug", "info", "warn", "error":
	default:
		l.fail("LOG_LEVEL=%q must be one of debug, info, warn, error", level)
	}
}

func (l *loader) validateLogFormat(format string) {
	switch format {
	case "json", "console":
	default:
		l.fail("LOG_FORMAT=%q must be one of json, console", format)
	}
}
