package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/pkg/logger"
)

type publicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// createEventRequest announces an event. Outcomes is shorthand for an enum
// descriptor.
type createEventRequest struct {
	Descriptor *dlc.EventDescriptor `json:"descriptor,omitempty"`
	Outcomes   []string             `json:"outcomes,omitempty"`
	Maturity   time.Time            `json:"maturity"`
}

func (c createEventRequest) descriptor() (dlc.EventDescriptor, error) {
	switch {
	case c.Descriptor != nil && len(c.Outcomes) > 0:
		return dlc.EventDescriptor{}, fmt.Errorf("%w: set descriptor or outcomes, not both", ErrBadRequest)
	case c.Descriptor != nil:
		return *c.Descriptor, nil
	case len(c.Outcomes) > 0:
		return dlc.NewEnumDescriptor(c.Outcomes...), nil
	default:
		return dlc.EventDescriptor{}, fmt.Errorf("%w: missing descriptor", ErrBadRequest)
	}
}

type createEventResponse struct {
	EventID      string            `json:"event_id"`
	Announcement *dlc.Announcement `json:"announcement"`
}

// attestRequest carries either outcomes or, for digit decomposition events,
// a value to decompose.
type attestRequest struct {
	Outcomes []string `json:"outcomes,omitempty"`
	Value    *uint64  `json:"value,omitempty"`
}

type attestResponse struct {
	Status      string           `json:"status"`
	Attestation *dlc.Attestation `json:"attestation"`
}

type submitAttestationRequest struct {
	EventID  string   `json:"event_id"`
	Outcomes []string `json:"outcomes"`
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pub, err := s.deps.PublicKey(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, publicKeyResponse{PublicKey: hex.EncodeToString(pub)})
}

func (s *Server) handleAnnouncement(w http.ResponseWriter, r *http.Request) {
	ann, err := s.deps.Announcement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ann)
}

func (s *Server) handleAttestation(w http.ResponseWriter, r *http.Request) {
	att, err := s.deps.Attestation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// handleCreateEvent handles POST /v1/events.
func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	desc, err := req.descriptor()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Maturity.IsZero() {
		s.fail(w, r, fmt.Errorf("%w: missing maturity", ErrBadRequest))
		return
	}
	ann, err := s.deps.CreateAnnouncement(r.Context(), desc, req.Maturity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createEventResponse{EventID: ann.Event.EventID, Announcement: ann})
}

// handleAttest handles POST /v1/events/{id}/attest synchronously.
func (s *Server) handleAttest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	var req attestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	outcomes := req.Outcomes
	if req.Value != nil {
		if len(outcomes) > 0 {
			s.fail(w, r, fmt.Errorf("%w: set outcomes or value, not both", ErrBadRequest))
			return
		}
		ann, err := s.deps.Announcement(ctx, id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if outcomes, err = ann.Event.Descriptor.DecomposeValue(*req.Value); err != nil {
			s.fail(w, r, fmt.Errorf("%w: %w", ErrBadRequest, err))
			return
		}
	}

	att, res, err := s.deps.Attest(ctx, id, outcomes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attestResponse{Status: res.String(), Attestation: att})
}

// handleSubmitAttestation handles POST /v1/attestations: the job is queued
// and attested by the worker pool.
func (s *Server) handleSubmitAttestation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req submitAttestationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.EventID = strings.TrimSpace(req.EventID)
	if req.EventID == "" || len(req.Outcomes) == 0 {
		s.fail(w, r, fmt.Errorf("%w: event_id and outcomes are required", ErrBadRequest))
		return
	}

	job := model.AttestationJob{
		EventID:     req.EventID,
		Outcomes:    req.Outcomes,
		RequestedAt: time.Now().UTC(),
		RequestID:   logger.RequestID(ctx),
	}
	duplicate, err := s.deps.SubmitAttestation(ctx, job)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if duplicate {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}
