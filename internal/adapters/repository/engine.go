// Package repository provides the key-value engines backing the oracle's
// event store. Every engine offers the same consistency contract: single-key
// reads, insert-if-absent, and an atomic read-modify-write on one key.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/resolvr/pkg/metrics"
)

// Namespace partitions the keyspace. The byte value prefixes every key on
// disk and must never be reused.
type Namespace byte

const (
	NamespaceMeta          Namespace = 1
	NamespaceKeys          Namespace = 2
	NamespaceAdjudications Namespace = 3
	NamespaceEvents        Namespace = 4
)

func (n Namespace) String() string {
	switch n {
	case NamespaceMeta:
		return "meta"
	case NamespaceKeys:
		return "keys"
	case NamespaceAdjudications:
		return "adjudications"
	case NamespaceEvents:
		return "events"
	default:
		return fmt.Sprintf("namespace(%d)", byte(n))
	}
}

// UpdateFunc receives the current value of a key and returns its
// replacement. Returning an error aborts the update without writing.
// It may be invoked more than once when an engine retries a conflicting
// transaction, so it must not have side effects outside its return value.
type UpdateFunc func(current []byte) ([]byte, error)

// IterateFunc is called for each key in a namespace. Returning ErrStopIteration
// ends the scan without error.
type IterateFunc func(key string, value []byte) error

// ErrStopIteration stops an Iterate scan early.
var ErrStopIteration = errors.New("stop iteration")

// Engine is the storage contract the oracle relies on.
type Engine interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)

	// InsertIfAbsent stores value only if key is absent. It returns the value
	// now stored and whether this call inserted it. Concurrent callers for
	// the same key observe exactly one winner.
	InsertIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) ([]byte, bool, error)

	// Update atomically replaces the value of an existing key with
	// fn(current). Updates of the same key are serialized; updates of
	// different keys are not. Returns ErrNotFound if key is absent.
	Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) ([]byte, error)

	// Iterate visits every key in ns in ascending key order.
	Iterate(ctx context.Context, ns Namespace, fn IterateFunc) error

	Close() error
}

// Open constructs the engine named by kind. An empty path for badger or
// pebble opens an in-memory instance.
func Open(ctx context.Context, kind, path string, opts ...Option) (Engine, error) {
	switch kind {
	case EngineMemory:
		return NewMemoryEngine(opts...), nil
	case EngineBadger:
		return OpenBadger(ctx, path, opts...)
	case EnginePebble:
		return OpenPebble(ctx, path, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, kind)
	}
}

// Engine names accepted by Open.
const (
	EngineMemory = "memory"
	EngineBadger = "badger"
	EnginePebble = "pebble"
)

func nsKey(ns Namespace, key string) []byte {
	b := make([]byte, 1+len(key))
	b[0] = byte(ns)
	copy(b[1:], key)
	return b
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func observe(engine, op string, start time.Time) {
	metrics.RecordStoreOpLatency(engine, op, metrics.ObserveSince(start))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}
