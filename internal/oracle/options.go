package oracle

import (
	"time"

	"github.com/okian/resolvr/pkg/logger"
)

const defaultCacheSize = 1024

// Option configures an Oracle.
type Option func(*Oracle)

// WithLogger sets the oracle logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Oracle) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMaturityEnforcement rejects attestations requested before the
// announced maturity.
func WithMaturityEnforcement(enforce bool) Option {
	return func(o *Oracle) {
		o.enforceMaturity = enforce
	}
}

// WithCacheSize bounds the number of announcements and attestations kept in
// memory. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(o *Oracle) {
		if n >= 0 {
			o.cacheSize = n
		}
	}
}

// WithMigrations registers schema migration steps.
func WithMigrations(m Migrations) Option {
	return func(o *Oracle) {
		o.migrations = m
	}
}
