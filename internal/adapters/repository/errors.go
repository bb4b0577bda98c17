package repository

import "errors"

// Sentinel kinds for store errors.
var (
	// ErrNotFound is returned when a key is absent from its namespace.
	ErrNotFound = errors.New("record not found")
	// ErrStorageUnavailable wraps any I/O failure of the underlying engine.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("store closed")
	// ErrCorruptRecord is returned when a stored value cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrUnknownEngine is returned by Open for an unsupported engine name.
	ErrUnknownEngine = errors.New("unknown store engine")
)
