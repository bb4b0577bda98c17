package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/okian/resolvr/pkg/logger"
)

// PebbleEngine stores records in pebble. Pebble has no transactions, so
// read-modify-write on a key is serialized with striped in-process locks;
// the engine must be the only writer of its directory.
type PebbleEngine struct {
	db    *pebble.DB
	locks *stripes
	wopts *pebble.WriteOptions
}

// OpenPebble opens (or creates) a pebble database at path. An empty path
// opens an in-memory database.
func OpenPebble(ctx context.Context, path string, opts ...Option) (*PebbleEngine, error) {
	o := applyOptions(opts)
	popts := &pebble.Options{}
	dir := path
	if dir == "" {
		popts.FS = vfs.NewMem()
		dir = "resolvr"
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, unavailable("pebble.open", err)
	}
	wopts := pebble.NoSync
	if o.syncWrites {
		wopts = pebble.Sync
	}
	o.logger.Info(ctx, "pebble store opened", logger.String("path", path), logger.Bool("in_memory", path == ""))
	return &PebbleEngine{db: db, locks: newStripes(o.shardCount), wopts: wopts}, nil
}

func (e *PebbleEngine) Name() string { return EnginePebble }

func (e *PebbleEngine) get(k []byte) ([]byte, error) {
	val, closer, err := e.db.Get(k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("pebble.get", err)
	}
	defer closer.Close()
	return cloneBytes(val), nil
}

func (e *PebbleEngine) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe(EnginePebble, "get", time.Now())
	return e.get(nsKey(ns, key))
}

func (e *PebbleEngine) InsertIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	defer observe(EnginePebble, "insert", time.Now())
	k := nsKey(ns, key)
	unlock := e.locks.lock(k)
	defer unlock()

	cur, err := e.get(k)
	switch {
	case err == nil:
		return cur, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, err
	}
	if err := e.db.Set(k, value, e.wopts); err != nil {
		return nil, false, unavailable("pebble.set", err)
	}
	return cloneBytes(value), true, nil
}

func (e *PebbleEngine) Update(ctx context.Context, ns Namespace, key string, fn UpdateFunc) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe(EnginePebble, "update", time.Now())
	k := nsKey(ns, key)
	unlock := e.locks.lock(k)
	defer unlock()

	cur, err := e.get(k)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if err := e.db.Set(k, next, e.wopts); err != nil {
		return nil, unavailable("pebble.set", err)
	}
	return cloneBytes(next), nil
}

func (e *PebbleEngine) Iterate(ctx context.Context, ns Namespace, fn IterateFunc) (errToReturn error) {
	defer observe(EnginePebble, "iterate", time.Now())
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(ns)},
		UpperBound: []byte{byte(ns) + 1},
	})
	if err != nil {
		return unavailable("pebble.iter", err)
	}
	defer func() {
		if cerr := it.Close(); cerr != nil && errToReturn == nil {
			errToReturn = unavailable("pebble.iter.close", cerr)
		}
	}()
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := it.Key()
		if err := fn(string(k[1:]), cloneBytes(it.Value())); err != nil {
			if errors.Is(err, ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (e *PebbleEngine) Close() error {
	if err := e.db.Close(); err != nil {
		return unavailable("pebble.close", err)
	}
	return nil
}
