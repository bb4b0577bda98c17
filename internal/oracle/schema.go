package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/resolvr/internal/adapters/repository"
)

// SchemaVersion is the layout version this build reads and writes.
const SchemaVersion uint8 = 1

const schemaVersionKey = "version"

// Migration upgrades a store from one schema version to the next.
type Migration func(ctx context.Context, store repository.Engine) error

// Migrations maps a version to the step that upgrades it by one.
type Migrations map[uint8]Migration

// EnsureSchema stamps an empty store with target, or checks that an existing
// store is at target. An older store is upgraded step by step through
// migrations; a newer one, or one with a gap in the migration chain, fails
// with ErrSchemaVersionMismatch.
func EnsureSchema(ctx context.Context, store repository.Engine, target uint8, migrations Migrations) error {
	stored, inserted, err := store.InsertIfAbsent(ctx, repository.NamespaceMeta, schemaVersionKey, []byte{target})
	if err != nil {
		return fmt.Errorf("oracle.schema: %w", err)
	}
	if inserted {
		return nil
	}
	if len(stored) != 1 {
		return fmt.Errorf("oracle.schema: %w: version marker is %d bytes", ErrCorruptRecord, len(stored))
	}
	for v := stored[0]; v != target; v++ {
		if v > target {
			return fmt.Errorf("%w: store is at %d, this build supports %d", ErrSchemaVersionMismatch, v, target)
		}
		step, ok := migrations[v]
		if !ok {
			return fmt.Errorf("%w: store is at %d, want %d, no migration from %d", ErrSchemaVersionMismatch, stored[0], target, v)
		}
		if err := step(ctx, store); err != nil {
			return fmt.Errorf("oracle.schema: migrate from %d: %w", v, err)
		}
		from := v
		_, err := store.Update(ctx, repository.NamespaceMeta, schemaVersionKey, func(cur []byte) ([]byte, error) {
			if len(cur) != 1 || cur[0] != from {
				return nil, errors.New("schema version changed during migration")
			}
			return []byte{from + 1}, nil
		})
		if err != nil {
			return fmt.Errorf("oracle.schema: stamp %d: %w", from+1, err)
		}
	}
	return nil
}
