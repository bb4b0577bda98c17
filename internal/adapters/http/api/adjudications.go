package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/internal/oracle"
)

type adjudicationList struct {
	Adjudications []model.AdjudicationStatus `json:"adjudications"`
}

// handleSubmitAdjudication handles POST /v1/adjudications.
func (s *Server) handleSubmitAdjudication(w http.ResponseWriter, r *http.Request) {
	var tmpl model.BountyTemplate
	if err := decodeJSON(w, r, &tmpl); err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.deps.Submit(r.Context(), tmpl)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListAdjudications(w http.ResponseWriter, r *http.Request) {
	var filter *types.AdjudicationState
	if raw := r.URL.Query().Get("state"); raw != "" {
		st, err := types.ParseAdjudicationState(raw)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
		filter = &st
	}
	list, err := s.deps.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adjudicationList{Adjudications: list})
}

func (s *Server) handleAdjudicationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Approve(r.Context(), mux.Vars(r)["id"])
	s.writeDecision(w, r, st, err)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Deny(r.Context(), mux.Vars(r)["id"])
	s.writeDecision(w, r, st, err)
}

// writeDecision returns the current status alongside an invalid_state error
// so a retried decision can tell it already took effect.
func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, st model.AdjudicationStatus, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, st)
	case errors.Is(err, oracle.ErrInvalidState) && st.EventID != "":
		writeJSON(w, http.StatusConflict, errorResponse{Code: "invalid_state", Message: err.Error(), Status: &st})
	default:
		s.fail(w, r, err)
	}
}
