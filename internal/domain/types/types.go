// Package types contains small enums shared across layers.
package types

import (
	"fmt"
	"strings"
)

// AdjudicationState is the lifecycle state of an adjudication request.
// InReview is the only non-terminal state.
type AdjudicationState string

const (
	StateInReview AdjudicationState = "in_review"
	StateApproved AdjudicationState = "approved"
	StateDenied   AdjudicationState = "denied"
)

// AdjudicationStates lists every state in lifecycle order.
func AdjudicationStates() []AdjudicationState {
	return []AdjudicationState{StateInReview, StateApproved, StateDenied}
}

// Terminal reports whether no further transition is possible.
func (s AdjudicationState) Terminal() bool {
	return s == StateApproved || s == StateDenied
}

// ParseAdjudicationState accepts the wire names, case-insensitively.
func ParseAdjudicationState(s string) (AdjudicationState, error) {
	switch st := AdjudicationState(strings.ToLower(strings.TrimSpace(s))); st {
	case StateInReview, StateApproved, StateDenied:
		return st, nil
	default:
		return "", fmt.Errorf("unknown adjudication state %q", s)
	}
}

// AttestResult tells a caller of attest whether its call produced the
// attestation or found one already committed.
type AttestResult int

const (
	AttestCommitted AttestResult = iota + 1
	AttestAlreadyAttested
)

func (r AttestResult) String() string {
	switch r {
	case AttestCommitted:
		return "committed"
	case AttestAlreadyAttested:
		return "already_attested"
	default:
		return "unknown"
	}
}
