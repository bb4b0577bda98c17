package queue

import "errors"

var (
	// ErrFull: the queue is at capacity; the caller should back off.
	ErrFull = errors.New("attestation queue full")
	// ErrClosed: the queue no longer accepts jobs.
	ErrClosed = errors.New("attestation queue closed")
)
