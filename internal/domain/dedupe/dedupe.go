// Package dedupe tracks which events already have an attestation job in
// flight, so a second trigger for the same event is answered without
// queueing more work.
package dedupe

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxSize = 50000

// Deduper records in-flight event ids.
type Deduper interface {
	// SeenAndRecord reports whether id is already pending and marks it
	// pending if not. Check and mark happen atomically.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord clears id so a failed job can be submitted again.
	Unrecord(ctx context.Context, id string)

	// Since returns when id was recorded.
	Since(id string) (time.Time, bool)

	Size() int64
}

// inMemoryDeduper keeps ids in an LRU when bounded and in a plain map
// otherwise. Evicting the oldest pending id only costs an extra, idempotent
// attest call.
type inMemoryDeduper struct {
	mu      sync.Mutex
	maxSize int
	now     func() time.Time

	bounded   *lru.Cache[string, time.Time]
	unbounded map[string]time.Time
}

// NewInMemoryDeduper returns a Deduper configured by opts.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxSize > 0 {
		// lru.New only fails on a non-positive size.
		d.bounded, _ = lru.New[string, time.Time](d.maxSize)
	} else {
		d.unbounded = make(map[string]time.Time)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bounded != nil {
		if d.bounded.Contains(id) {
			return true
		}
		d.bounded.Add(id, d.now())
		return false
	}
	if _, ok := d.unbounded[id]; ok {
		return true
	}
	d.unbounded[id] = d.now()
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bounded != nil {
		d.bounded.Remove(id)
		return
	}
	delete(d.unbounded, id)
}

func (d *inMemoryDeduper) Since(id string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bounded != nil {
		return d.bounded.Peek(id)
	}
	at, ok := d.unbounded[id]
	return at, ok
}

func (d *inMemoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bounded != nil {
		return int64(d.bounded.Len())
	}
	return int64(len(d.unbounded))
}
