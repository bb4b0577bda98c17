package worker

import (
	"time"

	"github.com/okian/resolvr/pkg/logger"
)

// Option configures a worker or a pool.
type Option func(*config)

type config struct {
	name       string
	logger     logger.Logger
	maxRetries uint64
	backoff    time.Duration
	releaser   Releaser
	onResult   ResultFunc
}

func defaultConfig() config {
	return config{
		name:       "worker",
		maxRetries: 5,
		backoff:    50 * time.Millisecond,
	}
}

// WithName sets the worker name used in logs.
func WithName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMaxRetries bounds retries of a job that failed on storage.
func WithMaxRetries(n uint64) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithBackoff sets the first retry delay; later delays grow exponentially.
func WithBackoff(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithReleaser frees a job's dedupe slot when it fails for good.
func WithReleaser(r Releaser) Option {
	return func(c *config) {
		c.releaser = r
	}
}

// WithResultFunc observes every finished job.
func WithResultFunc(fn ResultFunc) Option {
	return func(c *config) {
		c.onResult = fn
	}
}
