package oracle

import (
	"errors"
	"fmt"

	"github.com/okian/resolvr/internal/adapters/repository"
)

// Error kinds returned by the oracle. Callers branch with errors.Is.
var (
	// ErrNotFound: no announced event with this id.
	ErrNotFound = repository.ErrNotFound
	// ErrStorageUnavailable: the backing store failed; the call may be retried.
	ErrStorageUnavailable = repository.ErrStorageUnavailable
	// ErrCorruptRecord: a stored record violates a storage invariant.
	ErrCorruptRecord = repository.ErrCorruptRecord

	// ErrNotYetAttested: the event is announced but has no attestation yet.
	ErrNotYetAttested = errors.New("event not yet attested")
	// ErrAlreadyExists: an event or request with this id already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidState: the request does not fit the current state of the
	// record, e.g. a wrong number of outcomes.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotMature: attestation attempted before the announced maturity.
	ErrNotMature = fmt.Errorf("%w: event not mature", ErrInvalidState)
	// ErrInvalidDescriptor: the event descriptor or maturity cannot be announced.
	ErrInvalidDescriptor = errors.New("invalid announcement request")
	// ErrSchemaVersionMismatch: the store was written by an incompatible version.
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")
	// ErrCorruptKeypair: the persisted oracle key cannot be used.
	ErrCorruptKeypair = errors.New("corrupt oracle keypair")
)
