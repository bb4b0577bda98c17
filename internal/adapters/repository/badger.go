package repository

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/sethvargo/go-retry"

	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

// BadgerEngine stores records in badger. Atomicity comes from badger's
// optimistic transactions; conflicting transactions are retried with
// exponential backoff.
type BadgerEngine struct {
	db   *badger.DB
	opts options
}

// OpenBadger opens (or creates) a badger database at path. An empty path
// opens an in-memory database.
func OpenBadger(ctx context.Context, path string, opts ...Option) (*BadgerEngine, error) {
	o := applyOptions(opts)
	bopts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(o.syncWrites)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, unavailable("badger.open", err)
	}
	o.logger.Info(ctx, "badger store opened", logger.String("path", path), logger.Bool("in_memory", path == ""))
	return &BadgerEngine{db: db, opts: o}, nil
}

func (e *BadgerEngine) Name() string { return EngineBadger }

func (e *BadgerEngine) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe(EngineBadger, "get", time.Now())
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nsKey(ns, key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, e.mapErr("badger.get", err)
	}
	return out, nil
}

func (e *BadgerEngine) InsertIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) ([]byte, bool, error) {
	defer observe(EngineBadger, "insert", time.Now())
	k := nsKey(ns, key)
	var (
		stored   []byte
		inserted bool
	)
	err := e.retryOnConflict(ctx, func() error {
		return e.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			switch {
			case err == nil:
				stored, err = item.ValueCopy(nil)
				inserted = false
				return err
			case errors.Is(err, badger.ErrKeyNotFound):
				stored, inserted = cloneBytes(value), true
				return txn.Set(k, stored)
			default:
				return err
			}
		})
	})
	if err != nil {
		return nil, false, e.mapErr("badger.insert", err)
	}
	return stored, inserted, nil
}

func (e *BadgerEngine) Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) ([]byte, error) {
	defer observe(EngineBadger, "update", time.Now())
	k := nsKey(ns, key)
	var next []byte
	err := e.retryOnConflict(ctx, func() error {
		return e.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(k)
			if err != nil {
				return err
			}
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			next, err = fn(cur)
			if err != nil {
				return &abortError{err: err}
			}
			return txn.Set(k, next)
		})
	})
	var abort *abortError
	if errors.As(err, &abort) {
		return nil, abort.err
	}
	if err != nil {
		return nil, e.mapErr("badger.update", err)
	}
	return cloneBytes(next), nil
}

func (e *BadgerEngine) Iterate(ctx context.Context, ns Namespace, fn IterateFunc) error {
	defer observe(EngineBadger, "iterate", time.Now())
	prefix := []byte{byte(ns)}
	err := e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return &abortError{err: err}
			}
			item := it.Item()
			k := item.KeyCopy(nil)
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(k[1:]), v); err != nil {
				return &abortError{err: err}
			}
		}
		return nil
	})
	var abort *abortError
	if errors.As(err, &abort) {
		if errors.Is(abort.err, ErrStopIteration) {
			return nil
		}
		return abort.err
	}
	if err != nil {
		return e.mapErr("badger.iterate", err)
	}
	return nil
}

func (e *BadgerEngine) Close() error {
	if err := e.db.Close(); err != nil {
		return unavailable("badger.close", err)
	}
	return nil
}

// retryOnConflict reruns op while badger reports a transaction conflict.
func (e *BadgerEngine) retryOnConflict(ctx context.Context, op func() error) error {
	backoff := retry.WithMaxRetries(e.opts.conflictRetries, retry.NewExponential(e.opts.retryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op()
		if errors.Is(err, badger.ErrConflict) {
			metrics.RecordStoreConflict()
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *BadgerEngine) mapErr(op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return unavailable(op, err)
	}
}

// abortError carries a caller error out of a badger transaction so it is not
// mistaken for a storage failure.
type abortError struct {
	err error
}

func (a *abortError) Error() string { return a.err.Error() }
func (a *abortError) Unwrap() error { return a.err }
