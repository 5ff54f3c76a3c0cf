// Package config loads and validates the daemon's environment-driven
// configuration. Load returns every validation failure found, not just
// the first, so an operator sees the full list of misconfigurations in
// one run.
package config

import "time"

// Config is the daemon's immutable runtime configuration, built once at
// startup and passed down by value/pointer to every collaborator.
type Config struct {
	CheckInterval time.Duration

	Retry     RetryConfig
	Breaker   BreakerConfig
	Hysteresis HysteresisConfig
	Verification VerificationConfig
	Dwell     DwellConfig

	RunPassive bool

	Timeouts TimeoutConfig
	Topology TopologyConfig
	GCPAuth  GCPAuthConfig

	Logging LoggingConfig
	MetricsAddr string
	AdminAddr   string

	MaxConsecutiveErrors int
}

// RetryConfig holds the per-operation retry ceilings and shared backoff
// envelope.
type RetryConfig struct {
	MaxRetriesHealthCheck int
	MaxRetriesBGPCheck    int
	MaxRetriesBGPUpdate   int
	MaxRetriesCloudflare  int
	MaxRetriesDefault     int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// BreakerConfig holds the circuit breaker's failure threshold and open
// timeout, shared across the breaker registry's per-service instances.
type BreakerConfig struct {
	Threshold      int
	OpenTimeout    time.Duration
}

// HysteresisConfig holds Layer 1's sliding-window parameters.
type HysteresisConfig struct {
	Window    int
	Threshold int
	Asymmetric bool
}

// VerificationConfig holds Layer 2's per-state consecutive-observation
// thresholds.
type VerificationConfig struct {
	State2Threshold int
	State3Threshold int
	State4Threshold int
}

// DwellConfig holds Layer 3's minimum time-in-state and exception set.
type DwellConfig struct {
	MinDwellTime    time.Duration
	ExceptionStates map[int]bool
}

// TimeoutConfig holds the per-API timeouts.
type TimeoutConfig struct {
	GCPAPI             time.Duration
	GCPBackendHealth   time.Duration
	GCPBGPOperation    time.Duration
	CloudflareAPI      time.Duration
	CloudflareBulk     time.Duration
}

// TopologyConfig holds the fixed identifiers for the two sites this
// daemon fails over between.
type TopologyConfig struct {
	LocalGCPRegion   string
	RemoteGCPRegion  string
	LocalBGPRouter   string
	RemoteBGPRouter  string
	LocalBGPRegion   string
	RemoteBGPRegion  string
	BGPPeerProject   string
	GCPProject       string
	PrimaryPrefix    string
	SecondaryPrefix  string
	DescriptionSubstring string

	CloudflarePrimaryPriority   int
	CloudflareSecondaryPriority int
	CloudflareAccountID         string
	CloudflareAPIToken          string
}

// GCPAuthConfig holds GCP authentication settings. Exactly one of
// CredentialsFile or UseWorkloadIdentity is expected to be set.
type GCPAuthConfig struct {
	CredentialsFile     string
	UseWorkloadIdentity bool
}

// LoggingConfig holds the ambient logging settings.
type LoggingConfig struct {
	Level  string
	Format string
}
