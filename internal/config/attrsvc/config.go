// Package attrsvc holds the AnalyzerConfig struct that configures
// internal/engine: a plain struct with zero-value defaulting, populated by
// cobra flags in cmd/attrsvc.
package attrsvc

import "time"

// AnalyzerConfig is the analyzer's full configuration surface.
type AnalyzerConfig struct {
	// AllowedRoot is the only required field: every file path the engine
	// touches must resolve under it.
	AllowedRoot string

	MinFileSizeKB int
	MaxJobs       int

	CacheMaxEntries int
	CacheTTLSeconds int

	TTLPendingSeconds    int
	TTLTerminatedSeconds int
	TTLMaxJobAgeSeconds  int

	PollIntervalSeconds   int
	ComputeTimeoutSeconds int

	// CacheSnapshotPath is optional; an empty string disables
	// snapshot persistence entirely.
	CacheSnapshotPath string
}

// Defaults returns the standard analyzer configuration.
func Defaults() AnalyzerConfig {
	return AnalyzerConfig{
		MinFileSizeKB:         1,
		MaxJobs:               1024,
		CacheMaxEntries:       1000,
		CacheTTLSeconds:       3600,
		TTLPendingSeconds:     3600,
		TTLTerminatedSeconds:  86400,
		TTLMaxJobAgeSeconds:   7 * 86400,
		PollIntervalSeconds:   30,
		ComputeTimeoutSeconds: 300,
	}
}

// WithDefaults fills any zero-valued field of cfg from Defaults, leaving
// explicitly set fields untouched. AllowedRoot and CacheSnapshotPath have
// no default and are left as given.
func (cfg AnalyzerConfig) WithDefaults() AnalyzerConfig {
	d := Defaults()
	if cfg.MinFileSizeKB == 0 {
		cfg.MinFileSizeKB = d.MinFileSizeKB
	}
	if cfg.MaxJobs == 0 {
		cfg.MaxJobs = d.MaxJobs
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = d.CacheMaxEntries
	}
	if cfg.CacheTTLSeconds == 0 {
		cfg.CacheTTLSeconds = d.CacheTTLSeconds
	}
	if cfg.TTLPendingSeconds == 0 {
		cfg.TTLPendingSeconds = d.TTLPendingSeconds
	}
	if cfg.TTLTerminatedSeconds == 0 {
		cfg.TTLTerminatedSeconds = d.TTLTerminatedSeconds
	}
	if cfg.TTLMaxJobAgeSeconds == 0 {
		cfg.TTLMaxJobAgeSeconds = d.TTLMaxJobAgeSeconds
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = d.PollIntervalSeconds
	}
	if cfg.ComputeTimeoutSeconds == 0 {
		cfg.ComputeTimeoutSeconds = d.ComputeTimeoutSeconds
	}
	return cfg
}

func (cfg AnalyzerConfig) CacheTTL() time.Duration {
	return time.Duration(cfg.CacheTTLSeconds) * time.Second
}

func (cfg AnalyzerConfig) TTLPending() time.Duration {
	return time.Duration(cfg.TTLPendingSeconds) * time.Second
}

func (cfg AnalyzerConfig) TTLTerminated() time.Duration {
	return time.Duration(cfg.TTLTerminatedSeconds) * time.Second
}

func (cfg AnalyzerConfig) TTLMaxJobAge() time.Duration {
	return time.Duration(cfg.TTLMaxJobAgeSeconds) * time.Second
}

func (cfg AnalyzerConfig) PollInterval() time.Duration {
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

func (cfg AnalyzerConfig) ComputeTimeout() time.Duration {
	return time.Duration(cfg.ComputeTimeoutSeconds) * time.Second
}
