// Package config defines the daemon configuration and how it is loaded.
package config

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Storage engines accepted by store_engine.
const (
	EngineBadger = "badger"
	EnginePebble = "pebble"
	EngineMemory = "memory"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreEngine selects badger, pebble or memory.
	StoreEngine string `koanf:"store_engine"`
	// StorePath is the data directory of a durable engine.
	StorePath string `koanf:"store_path"`

	// EnforceMaturity refuses attestations before an event's maturity. On by
	// default; demos that attest right after announcing turn it off.
	EnforceMaturity bool `koanf:"enforce_maturity"`
	// DefaultMaturityDelay is added to the approval time of bounties that
	// name no maturity.
	DefaultMaturityDelay time.Duration `koanf:"default_maturity_delay"`
	// AnnouncementCacheSize bounds the in-memory announcement cache.
	AnnouncementCacheSize int `koanf:"announcement_cache_size"`

	// QueueSize bounds the asynchronous attestation queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of attestation workers.
	WorkerCount int `koanf:"worker_count"`
	// DedupeSize bounds the pending-job dedupe set.
	DedupeSize int `koanf:"dedupe_size"`
	// AttestMaxRetries bounds worker retries on storage failures.
	AttestMaxRetries uint64 `koanf:"attest_max_retries"`

	// AdminJWTSecret signs admin bearer tokens. Admin routes are closed
	// when it is empty.
	AdminJWTSecret string `koanf:"admin_jwt_secret"`

	// SubmitRatePerSec and SubmitBurst limit public adjudication submissions.
	SubmitRatePerSec float64 `koanf:"submit_rate_per_sec"`
	SubmitBurst      int     `koanf:"submit_burst"`
}

// New returns a Config holding the defaults.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "text",
		Addr:                  ":9080",
		StoreEngine:           EngineBadger,
		StorePath:             "data",
		EnforceMaturity:       true,
		DefaultMaturityDelay:  24 * time.Hour,
		AnnouncementCacheSize: 1024,
		QueueSize:             1024,
		WorkerCount:           runtime.NumCPU(),
		DedupeSize:            10_000,
		AttestMaxRetries:      5,
		SubmitRatePerSec:      5,
		SubmitBurst:           10,
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("%w: log_format must be text or json, got %q", ErrInvalidConfig, c.LogFormat)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker_count must be positive", ErrInvalidConfig)
	case c.DefaultMaturityDelay < 0:
		return fmt.Errorf("%w: default_maturity_delay must not be negative", ErrInvalidConfig)
	case c.AnnouncementCacheSize < 0:
		return fmt.Errorf("%w: announcement_cache_size must not be negative", ErrInvalidConfig)
	case c.SubmitRatePerSec <= 0 || c.SubmitBurst <= 0:
		return fmt.Errorf("%w: submit_rate_per_sec and submit_burst must be positive", ErrInvalidConfig)
	}
	switch strings.ToLower(c.StoreEngine) {
	case EngineMemory:
	case EngineBadger, EnginePebble:
		if c.StorePath == "" {
			return fmt.Errorf("%w: store_path is required for %s", ErrInvalidConfig, c.StoreEngine)
		}
	default:
		return fmt.Errorf("%w: unknown store_engine %q", ErrInvalidConfig, c.StoreEngine)
	}
	return nil
}
