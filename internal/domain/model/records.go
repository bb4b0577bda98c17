// Package model contains the records persisted by the oracle and passed
// between layers.
package model

import (
	"time"

	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/types"
)

// Keypair is the persisted oracle signing key.
type Keypair struct {
	Secret    []byte    `msgpack:"secret"`
	CreatedAt time.Time `msgpack:"created_at"`
}

// EventRecord is everything the oracle keeps for one announced event.
// NonceSecrets[i] is the secret behind Announcement.Event.Nonces[i]; they
// never leave the store. Once Attestation is set it is never replaced.
type EventRecord struct {
	Announcement dlc.Announcement `msgpack:"announcement"`
	NonceSecrets [][]byte         `msgpack:"nonce_secrets"`
	Attestation  *dlc.Attestation `msgpack:"attestation,omitempty"`
	CreatedAt    time.Time        `msgpack:"created_at"`
	AttestedAt   time.Time        `msgpack:"attested_at"`
}

// EventID returns the id the record is stored under.
func (r *EventRecord) EventID() string { return r.Announcement.Event.EventID }

// Attested reports whether an attestation has been committed.
func (r *EventRecord) Attested() bool { return r.Attestation != nil }

// BountyTemplate describes the bounty a requester wants adjudicated.
// Outcomes and Maturity are optional; empty values take the bounty defaults
// when the request is approved.
type BountyTemplate struct {
	EventID     string    `json:"event_id" msgpack:"event_id"`
	Title       string    `json:"title" msgpack:"title"`
	Description string    `json:"description" msgpack:"description"`
	Outcomes    []string  `json:"outcomes,omitempty" msgpack:"outcomes,omitempty"`
	Maturity    time.Time `json:"maturity,omitzero" msgpack:"maturity"`
}

// AdjudicationRecord is the persisted state of one adjudication request.
// Event is set exactly when State is approved.
type AdjudicationRecord struct {
	Template    BountyTemplate          `msgpack:"template"`
	State       types.AdjudicationState `msgpack:"state"`
	SubmittedAt time.Time               `msgpack:"submitted_at"`
	DecidedAt   time.Time               `msgpack:"decided_at"`
	Event       *EventRecord            `msgpack:"event,omitempty"`
}

// Status projects the record onto its public view.
func (r *AdjudicationRecord) Status() AdjudicationStatus {
	return AdjudicationStatus{
		EventID:     r.Template.EventID,
		Title:       r.Template.Title,
		Description: r.Template.Description,
		State:       r.State,
		SubmittedAt: r.SubmittedAt,
		DecidedAt:   r.DecidedAt,
	}
}

// AdjudicationStatus is the externally visible view of a request.
type AdjudicationStatus struct {
	EventID     string                  `json:"event_id"`
	Title       string                  `json:"bounty_title"`
	Description string                  `json:"bounty_description"`
	State       types.AdjudicationState `json:"state"`
	SubmittedAt time.Time               `json:"submitted_at"`
	DecidedAt   time.Time               `json:"decided_at,omitzero"`
}

// AttestationJob asks the worker pool to attest an event asynchronously.
type AttestationJob struct {
	EventID     string
	Outcomes    []string
	RequestedAt time.Time
	RequestID   string
}
