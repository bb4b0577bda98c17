package repository

import (
	"hash/fnv"
	"sync"
)

// stripes serializes work per key without a global lock: keys hash onto a
// fixed set of mutexes.
type stripes struct {
	mu []sync.Mutex
}

func newStripes(n int) *stripes {
	if n <= 0 {
		n = defaultShardCount
	}
	return &stripes{mu: make([]sync.Mutex, n)}
}

func keyIndex(key []byte, n int) int {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

func (s *stripes) lock(key []byte) func() {
	m := &s.mu[keyIndex(key, len(s.mu))]
	m.Lock()
	return m.Unlock
}
