// Package api serves the oracle, adjudication and ops endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/resolvr/internal/adapters/http/swagger"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

const maxBodyBytes = 1 << 20

// Oracle is the announcement and attestation surface.
type Oracle interface {
	PublicKey(ctx context.Context) ([]byte, error)
	Announcement(ctx context.Context, eventID string) (*dlc.Announcement, error)
	Attestation(ctx context.Context, eventID string) (*dlc.Attestation, error)
	CreateAnnouncement(ctx context.Context, descriptor dlc.EventDescriptor, maturity time.Time) (*dlc.Announcement, error)
	Attest(ctx context.Context, eventID string, outcomes []string) (*dlc.Attestation, types.AttestResult, error)
}

// Adjudicator runs the bounty review workflow.
type Adjudicator interface {
	Submit(ctx context.Context, tmpl model.BountyTemplate) (model.AdjudicationStatus, error)
	Approve(ctx context.Context, eventID string) (model.AdjudicationStatus, error)
	Deny(ctx context.Context, eventID string) (model.AdjudicationStatus, error)
	Status(ctx context.Context, eventID string) (model.AdjudicationStatus, error)
	List(ctx context.Context, state *types.AdjudicationState) ([]model.AdjudicationStatus, error)
}

// JobSubmitter accepts asynchronous attestation jobs. duplicate is true when
// a job for the same event is already pending.
type JobSubmitter interface {
	SubmitAttestation(ctx context.Context, job model.AttestationJob) (duplicate bool, err error)
}

// StatsProvider reports service statistics.
type StatsProvider interface {
	GetStats() map[string]any
}

// HealthChecker reports whether the service can serve requests.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies bundles everything the handlers call.
type Dependencies interface {
	Oracle
	Adjudicator
	JobSubmitter
	StatsProvider
	HealthChecker
}

// Server wires HTTP routes onto the service.
type Server struct {
	deps    Dependencies
	log     logger.Logger
	auth    *AdminAuth
	limiter *SubmitLimiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAdminSecret enables admin routes for bearer tokens signed with secret.
// Without it every admin request is refused.
func WithAdminSecret(secret string) ServerOption {
	return func(s *Server) {
		s.auth = NewAdminAuth([]byte(secret))
	}
}

// WithSubmitRate limits public adjudication submissions per client.
func WithSubmitRate(perSec float64, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = NewSubmitLimiter(perSec, burst)
	}
}

// WithLogger sets the server logger.
func WithLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates a Server over deps.
func NewServer(deps Dependencies, opts ...ServerOption) *Server {
	s := &Server{
		deps:    deps,
		log:     logger.Nop(),
		auth:    NewAdminAuth(nil),
		limiter: NewSubmitLimiter(5, 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the complete routed handler.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.Use(MetricsMiddleware)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	})

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	swagger.Register(ctx, r)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/oracle/pubkey", s.handlePublicKey).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/announcement", s.handleAnnouncement).Methods(http.MethodGet)
	v1.HandleFunc("/events/{id}/attestation", s.handleAttestation).Methods(http.MethodGet)
	v1.Handle("/adjudications", s.limiter.Middleware(http.HandlerFunc(s.handleSubmitAdjudication))).Methods(http.MethodPost)
	v1.HandleFunc("/adjudications", s.handleListAdjudications).Methods(http.MethodGet)
	v1.HandleFunc("/adjudications/{id}", s.handleAdjudicationStatus).Methods(http.MethodGet)

	v1.Handle("/events", s.admin(s.handleCreateEvent)).Methods(http.MethodPost)
	v1.Handle("/events/{id}/attest", s.admin(s.handleAttest)).Methods(http.MethodPost)
	v1.Handle("/attestations", s.admin(s.handleSubmitAttestation)).Methods(http.MethodPost)
	v1.Handle("/adjudications/{id}/approve", s.admin(s.handleApprove)).Methods(http.MethodPost)
	v1.Handle("/adjudications/{id}/deny", s.admin(s.handleDeny)).Methods(http.MethodPost)

	return RequestIDMiddleware(r)
}

func (s *Server) admin(fn http.HandlerFunc) http.Handler {
	return s.auth.Middleware(fn)
}

type errorResponse struct {
	Code    string                    `json:"code"`
	Message string                    `json:"message"`
	Status  *model.AdjudicationStatus `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// fail classifies err and writes it. Server errors are logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path), logger.Int("status", status), logger.Error(err))
	}
	writeError(w, status, code, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
