// Package dlc defines the oracle messages consumed by DLC participants:
// event descriptors, announcements and attestations, their deterministic
// wire encoding and the digests the oracle signs.
package dlc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
)

// Outcomes used by bounty adjudication events.
const (
	OutcomeBountyComplete     = "BOUNTY_COMPLETE"
	OutcomeBountyInsufficient = "BOUNTY_INSUFFICIENT"
)

var (
	ErrInvalidDescriptor = errors.New("invalid event descriptor")
	ErrInvalidOutcome    = errors.New("invalid outcome")
	ErrMalformed         = errors.New("malformed encoding")
	ErrInvalidSignature  = errors.New("invalid oracle signature")
)

// BountyOutcomes is the default enum for a bounty adjudication.
func BountyOutcomes() []string {
	return []string{OutcomeBountyComplete, OutcomeBountyInsufficient}
}

// HexBytes marshals as a lowercase hex string in JSON.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(b []byte) error {
	out, err := hex.DecodeString(string(b))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	*h = out
	return nil
}

func (h HexBytes) String() string { return hex.EncodeToString(h) }

// EnumDescriptor lists the possible outcomes of an enumerated event.
type EnumDescriptor struct {
	Outcomes []string `json:"outcomes" msgpack:"outcomes"`
}

// DigitDecompositionDescriptor describes a numeric outcome attested digit by
// digit in the given base.
type DigitDecompositionDescriptor struct {
	Base      uint16 `json:"base" msgpack:"base"`
	IsSigned  bool   `json:"is_signed" msgpack:"is_signed"`
	Unit      string `json:"unit" msgpack:"unit"`
	Precision int32  `json:"precision" msgpack:"precision"`
	NbDigits  uint16 `json:"nb_digits" msgpack:"nb_digits"`
}

// EventDescriptor is a tagged union: exactly one variant is set.
type EventDescriptor struct {
	Enum               *EnumDescriptor               `json:"enum,omitempty" msgpack:"enum,omitempty"`
	DigitDecomposition *DigitDecompositionDescriptor `json:"digit_decomposition,omitempty" msgpack:"digit_decomposition,omitempty"`
}

// NewEnumDescriptor builds an enum descriptor.
func NewEnumDescriptor(outcomes ...string) EventDescriptor {
	return EventDescriptor{Enum: &EnumDescriptor{Outcomes: append([]string(nil), outcomes...)}}
}

// NewDigitDescriptor builds an unsigned digit decomposition descriptor.
func NewDigitDescriptor(base uint16, nbDigits uint16, unit string, precision int32) EventDescriptor {
	return EventDescriptor{DigitDecomposition: &DigitDecompositionDescriptor{
		Base: base, Unit: unit, Precision: precision, NbDigits: nbDigits,
	}}
}

// Validate checks the descriptor can be announced.
func (d EventDescriptor) Validate() error {
	switch {
	case d.Enum != nil && d.DigitDecomposition != nil:
		return fmt.Errorf("%w: both variants set", ErrInvalidDescriptor)
	case d.Enum != nil:
		if len(d.Enum.Outcomes) == 0 {
			return fmt.Errorf("%w: enum has no outcomes", ErrInvalidDescriptor)
		}
		seen := make(map[string]struct{}, len(d.Enum.Outcomes))
		for _, o := range d.Enum.Outcomes {
			if _, dup := seen[o]; dup {
				return fmt.Errorf("%w: duplicate outcome %q", ErrInvalidDescriptor, o)
			}
			seen[o] = struct{}{}
		}
		return nil
	case d.DigitDecomposition != nil:
		dd := d.DigitDecomposition
		if dd.Base < 2 {
			return fmt.Errorf("%w: base %d", ErrInvalidDescriptor, dd.Base)
		}
		if dd.NbDigits == 0 {
			return fmt.Errorf("%w: zero digits", ErrInvalidDescriptor)
		}
		if dd.IsSigned {
			return fmt.Errorf("%w: signed decomposition not supported", ErrInvalidDescriptor)
		}
		return nil
	default:
		return fmt.Errorf("%w: no variant set", ErrInvalidDescriptor)
	}
}

// NonceCount is the number of nonces, and so outcomes, an event of this
// descriptor commits to.
func (d EventDescriptor) NonceCount() int {
	switch {
	case d.Enum != nil:
		return 1
	case d.DigitDecomposition != nil:
		return int(d.DigitDecomposition.NbDigits)
	default:
		return 0
	}
}

// ValidateOutcomes checks outcomes against the descriptor: the count must
// match NonceCount and every value must be admissible.
func (d EventDescriptor) ValidateOutcomes(outcomes []string) error {
	if want := d.NonceCount(); len(outcomes) != want {
		return fmt.Errorf("%w: got %d outcomes, event commits to %d", ErrInvalidOutcome, len(outcomes), want)
	}
	switch {
	case d.Enum != nil:
		for _, o := range d.Enum.Outcomes {
			if o == outcomes[0] {
				return nil
			}
		}
		return fmt.Errorf("%w: %q is not an outcome of this event", ErrInvalidOutcome, outcomes[0])
	case d.DigitDecomposition != nil:
		base := uint64(d.DigitDecomposition.Base)
		for i, o := range outcomes {
			v, err := strconv.ParseUint(o, 10, 16)
			if err != nil || v >= base {
				return fmt.Errorf("%w: digit %d %q not in [0,%d)", ErrInvalidOutcome, i, o, base)
			}
			// Only the canonical decimal form: "04" signs a different digest than "4".
			if o != strconv.FormatUint(v, 10) {
				return fmt.Errorf("%w: digit %d %q is not in canonical form", ErrInvalidOutcome, i, o)
			}
		}
		return nil
	}
	return ErrInvalidDescriptor
}

// DecomposeValue renders v as NbDigits base-digit outcomes, most
// significant first.
func (d EventDescriptor) DecomposeValue(v uint64) ([]string, error) {
	dd := d.DigitDecomposition
	if dd == nil {
		return nil, fmt.Errorf("%w: not a digit decomposition event", ErrInvalidDescriptor)
	}
	out := make([]string, dd.NbDigits)
	base := uint64(dd.Base)
	for i := int(dd.NbDigits) - 1; i >= 0; i-- {
		out[i] = strconv.FormatUint(v%base, 10)
		v /= base
	}
	if v != 0 {
		return nil, fmt.Errorf("%w: value does not fit in %d digits", ErrInvalidOutcome, dd.NbDigits)
	}
	return out, nil
}

// OracleEvent is the part of an announcement covered by its signature.
type OracleEvent struct {
	Nonces     []HexBytes      `json:"oracle_nonces" msgpack:"nonces"`
	Maturity   uint32          `json:"event_maturity_epoch" msgpack:"maturity"`
	Descriptor EventDescriptor `json:"event_descriptor" msgpack:"descriptor"`
	EventID    string          `json:"event_id" msgpack:"event_id"`
}

// Announcement is the oracle's signed commitment to attest an event.
type Announcement struct {
	Signature       HexBytes    `json:"announcement_signature" msgpack:"signature"`
	OraclePublicKey HexBytes    `json:"oracle_public_key" msgpack:"oracle_public_key"`
	Event           OracleEvent `json:"oracle_event" msgpack:"event"`
}

// Attestation is the oracle's signed outcome. Signatures[i] signs
// Outcomes[i] with the nonce at Event.Nonces[i].
type Attestation struct {
	EventID         string     `json:"event_id" msgpack:"event_id"`
	OraclePublicKey HexBytes   `json:"oracle_public_key" msgpack:"oracle_public_key"`
	Signatures      []HexBytes `json:"signatures" msgpack:"signatures"`
	Outcomes        []string   `json:"outcomes" msgpack:"outcomes"`
}
