package repository

import (
	"context"
	"fmt"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v4"
)

// Encode serializes a record as snappy-compressed msgpack.
func Encode(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return snappy.Encode(nil, raw), nil
}

// Decode parses a value produced by Encode. Any failure is reported as
// ErrCorruptRecord.
func Decode(b []byte, v any) error {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrCorruptRecord, err)
	}
	if err := msgpack.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", ErrCorruptRecord, v, err)
	}
	return nil
}

// GetRecord reads and decodes the record at key.
func GetRecord[T any](ctx context.Context, e Engine, ns Namespace, key string) (*T, error) {
	raw, err := e.Get(ctx, ns, key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := Decode(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InsertRecord stores rec at key unless a record exists. It returns the
// stored record, decoded, and whether rec was inserted.
func InsertRecord[T any](ctx context.Context, e Engine, ns Namespace, key string, rec *T) (*T, bool, error) {
	raw, err := Encode(rec)
	if err != nil {
		return nil, false, err
	}
	stored, inserted, err := e.InsertIfAbsent(ctx, ns, key, raw)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return rec, true, nil
	}
	var cur T
	if err := Decode(stored, &cur); err != nil {
		return nil, false, err
	}
	return &cur, false, nil
}

// UpdateRecord decodes the record at key, lets fn mutate it, and writes it
// back atomically. An error from fn aborts the write and is returned as is.
func UpdateRecord[T any](ctx context.Context, e Engine, ns Namespace, key string, fn func(*T) error) (*T, error) {
	var result *T
	_, err := e.Update(ctx, ns, key, func(cur []byte) ([]byte, error) {
		var rec T
		if err := Decode(cur, &rec); err != nil {
			return nil, err
		}
		if err := fn(&rec); err != nil {
			return nil, err
		}
		result = &rec
		return Encode(&rec)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IterateRecords decodes every record in ns in key order.
func IterateRecords[T any](ctx context.Context, e Engine, ns Namespace, fn func(key string, rec *T) error) error {
	return e.Iterate(ctx, ns, func(key string, value []byte) error {
		var rec T
		if err := Decode(value, &rec); err != nil {
			return fmt.Errorf("%s/%s: %w", ns, key, err)
		}
		return fn(key, &rec)
	})
}
