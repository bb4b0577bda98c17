package dlc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/okian/resolvr/internal/crypto/schnorr"
)

// AnnouncementMessage is the digest signed by an announcement:
// sha256 of the event's deterministic encoding.
func AnnouncementMessage(e *OracleEvent) ([]byte, error) {
	raw, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := chainhash.HashH(raw)
	return h[:], nil
}

// AttestationMessage is the digest signed for one outcome: sha256 of its
// UTF-8 bytes.
func AttestationMessage(outcome string) []byte {
	h := chainhash.HashH([]byte(outcome))
	return h[:]
}

// Verify checks the announcement is internally consistent and signed by its
// oracle key.
func (a *Announcement) Verify() error {
	if err := a.Event.Descriptor.Validate(); err != nil {
		return err
	}
	if got, want := len(a.Event.Nonces), a.Event.Descriptor.NonceCount(); got != want {
		return fmt.Errorf("%w: %d nonces for a descriptor committing to %d", ErrMalformed, got, want)
	}
	msg, err := AnnouncementMessage(&a.Event)
	if err != nil {
		return err
	}
	if err := schnorr.Verify(a.OraclePublicKey, msg, a.Signature); err != nil {
		return fmt.Errorf("%w: announcement: %v", ErrInvalidSignature, err)
	}
	return nil
}

// VerifyAttestation checks att against the announcement it claims to settle:
// same oracle and event, one signature per nonce, each signature made with
// the committed nonce over its outcome.
func (a *Announcement) VerifyAttestation(att *Attestation) error {
	if att.EventID != a.Event.EventID {
		return fmt.Errorf("%w: event id %q, announcement is for %q", ErrInvalidSignature, att.EventID, a.Event.EventID)
	}
	if !bytes.Equal(att.OraclePublicKey, a.OraclePublicKey) {
		return fmt.Errorf("%w: attestation from a different oracle key", ErrInvalidSignature)
	}
	if len(att.Signatures) != len(att.Outcomes) {
		return fmt.Errorf("%w: %d signatures for %d outcomes", ErrMalformed, len(att.Signatures), len(att.Outcomes))
	}
	if err := a.Event.Descriptor.ValidateOutcomes(att.Outcomes); err != nil {
		return err
	}
	for i, sig := range att.Signatures {
		if !bytes.Equal(schnorr.NonceOf(sig), a.Event.Nonces[i]) {
			return fmt.Errorf("%w: signature %d does not use nonce %d", ErrInvalidSignature, i, i)
		}
		if err := schnorr.Verify(a.OraclePublicKey, AttestationMessage(att.Outcomes[i]), sig); err != nil {
			return fmt.Errorf("%w: outcome %d: %v", ErrInvalidSignature, i, err)
		}
	}
	return nil
}
