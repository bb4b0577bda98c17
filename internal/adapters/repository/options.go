package repository

import (
	"time"

	"github.com/okian/resolvr/pkg/logger"
)

const (
	defaultShardCount      = 16
	defaultConflictRetries = 16
	defaultRetryBackoff    = 2 * time.Millisecond
)

type options struct {
	shardCount      int
	conflictRetries uint64
	retryBackoff    time.Duration
	syncWrites      bool
	logger          logger.Logger
}

func defaultOptions() options {
	return options{
		shardCount:      defaultShardCount,
		conflictRetries: defaultConflictRetries,
		retryBackoff:    defaultRetryBackoff,
		syncWrites:      true,
		logger:          logger.Nop(),
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures an engine.
type Option func(*options)

// WithShardCount sets the number of lock stripes (memory and pebble).
func WithShardCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shardCount = n
		}
	}
}

// WithConflictRetries bounds how many times a conflicting badger
// transaction is retried.
func WithConflictRetries(n uint64) Option {
	return func(o *options) {
		o.conflictRetries = n
	}
}

// WithRetryBackoff sets the base of the exponential conflict backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryBackoff = d
		}
	}
}

// WithSyncWrites controls whether writes are fsynced before returning.
func WithSyncWrites(sync bool) Option {
	return func(o *options) {
		o.syncWrites = sync
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
