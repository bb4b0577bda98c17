package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryEngine is an in-process Engine. Keys are spread across shards, each
// guarded by its own lock, so updates to unrelated keys do not contend.
// Contents are lost on Close.
type MemoryEngine struct {
	shards []*memShard
	closed atomic.Bool
}

type memShard struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryEngine returns an empty in-memory engine.
func NewMemoryEngine(opts ...Option) *MemoryEngine {
	o := applyOptions(opts)
	e := &MemoryEngine{shards: make([]*memShard, o.shardCount)}
	for i := range e.shards {
		e.shards[i] = &memShard{data: make(map[string][]byte)}
	}
	return e
}

func (e *MemoryEngine) Name() string { return EngineMemory }

func (e *MemoryEngine) shard(k []byte) *memShard {
	return e.shards[keyIndex(k, len(e.shards))]
}

func (e *MemoryEngine) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	defer observe(EngineMemory, "get", time.Now())
	k := nsKey(ns, key)
	s := e.shard(k)
	s.mu.RLock()
	v, ok := s.data[string(k)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

func (e *MemoryEngine) InsertIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) ([]byte, bool, error) {
	if err := e.check(ctx); err != nil {
		return nil, false, err
	}
	defer observe(EngineMemory, "insert", time.Now())
	k := nsKey(ns, key)
	s := e.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.data[string(k)]; ok {
		return cloneBytes(cur), false, nil
	}
	s.data[string(k)] = cloneBytes(value)
	return cloneBytes(value), true, nil
}

func (e *MemoryEngine) Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) ([]byte, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	defer observe(EngineMemory, "update", time.Now())
	k := nsKey(ns, key)
	s := e.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.data[string(k)]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := fn(cloneBytes(cur))
	if err != nil {
		return nil, err
	}
	s.data[string(k)] = cloneBytes(next)
	return cloneBytes(next), nil
}

func (e *MemoryEngine) Iterate(ctx context.Context, ns Namespace, fn IterateFunc) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	defer observe(EngineMemory, "iterate", time.Now())
	prefix := string([]byte{byte(ns)})
	type kv struct {
		k string
		v []byte
	}
	var items []kv
	for _, s := range e.shards {
		s.mu.RLock()
		for k, v := range s.data {
			if strings.HasPrefix(k, prefix) {
				items = append(items, kv{k: k[1:], v: cloneBytes(v)})
			}
		}
		s.mu.RUnlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].k < items[j].k })
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it.k, it.v); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Len returns the number of keys across all namespaces.
func (e *MemoryEngine) Len() int {
	n := 0
	for _, s := range e.shards {
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}

func (e *MemoryEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *MemoryEngine) check(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}
