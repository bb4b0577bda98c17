package api

import (
	"errors"
	"net/http"

	"github.com/okian/resolvr/internal/adapters/mq/queue"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/oracle"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrBackpressure = errors.New("backpressure")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
)

// StatusTooEarly is returned for an announced event that has no attestation
// yet.
const StatusTooEarly = http.StatusTooEarly

// classify maps an error onto an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, oracle.ErrNotYetAttested):
		return StatusTooEarly, "not_yet_attested"
	case errors.Is(err, oracle.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, oracle.ErrAlreadyExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, oracle.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, oracle.ErrInvalidDescriptor),
		errors.Is(err, dlc.ErrInvalidDescriptor),
		errors.Is(err, dlc.ErrInvalidOutcome):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, ErrBackpressure), errors.Is(err, queue.ErrFull):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, oracle.ErrStorageUnavailable), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
