package dedupe

import "time"

// Option configures the in-memory deduper.
type Option func(*inMemoryDeduper)

// WithMaxSize bounds the number of tracked ids; the least recently recorded
// id is dropped first. A size of zero or less disables the bound.
func WithMaxSize(maxSize int) Option {
	return func(d *inMemoryDeduper) {
		d.maxSize = maxSize
	}
}

// WithClock overrides the time source used for Since.
func WithClock(now func() time.Time) Option {
	return func(d *inMemoryDeduper) {
		if now != nil {
			d.now = now
		}
	}
}
