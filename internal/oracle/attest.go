package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/crypto/schnorr"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

// Attest commits outcomes for eventID. The first successful call signs each
// outcome with the nonce at the same position and stores the attestation;
// every later call returns the stored attestation untouched with
// AttestAlreadyAttested, whatever outcomes it passes. The whole
// check-sign-store sequence runs inside one atomic update of the event
// record, so concurrent callers cannot both sign.
func (o *Oracle) Attest(ctx context.Context, eventID string, outcomes []string) (_ *dlc.Attestation, _ types.AttestResult, err error) {
	ctx, span := startSpan(ctx, "oracle.Attest", eventID)
	defer func() { endSpan(span, err) }()

	var (
		att    *dlc.Attestation
		result types.AttestResult
	)
	apply := func(rec *model.EventRecord) error {
		a, r, err := o.applyAttestation(rec, outcomes)
		att, result = a, r
		return err
	}

	_, err = repository.UpdateRecord(ctx, o.store, repository.NamespaceEvents, eventID, apply)
	if errors.Is(err, repository.ErrNotFound) {
		_, err = repository.UpdateRecord(ctx, o.store, repository.NamespaceAdjudications, eventID,
			func(adj *model.AdjudicationRecord) error {
				if adj.State != types.StateApproved || adj.Event == nil {
					return ErrNotFound
				}
				return apply(adj.Event)
			})
	}
	if err != nil {
		return nil, 0, o.attestErr(ctx, eventID, err)
	}

	o.cacheAttestation(eventID, att)
	switch result {
	case types.AttestCommitted:
		metrics.RecordAttestationCommitted()
		o.log.Info(ctx, "attested event", logger.EventID(eventID), logger.Any("outcomes", att.Outcomes))
	case types.AttestAlreadyAttested:
		metrics.RecordAttestationAlreadyPresent()
		o.log.Debug(ctx, "event already attested", logger.EventID(eventID))
	}
	return att, result, nil
}

// applyAttestation is the transform run under the record's atomic update.
// It must stay free of side effects: an engine may run it more than once.
func (o *Oracle) applyAttestation(rec *model.EventRecord, outcomes []string) (*dlc.Attestation, types.AttestResult, error) {
	desc := rec.Announcement.Event.Descriptor
	if err := desc.ValidateOutcomes(outcomes); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	if len(rec.NonceSecrets) != desc.NonceCount() || len(rec.Announcement.Event.Nonces) != desc.NonceCount() {
		return nil, 0, fmt.Errorf("%w: %d nonce secrets for a descriptor committing to %d",
			ErrCorruptRecord, len(rec.NonceSecrets), desc.NonceCount())
	}
	if rec.Attestation != nil {
		return rec.Attestation, types.AttestAlreadyAttested, nil
	}

	now := o.now()
	if o.enforceMaturity && now.Unix() < int64(rec.Announcement.Event.Maturity) {
		return nil, 0, fmt.Errorf("%w: matures at %s", ErrNotMature,
			time.Unix(int64(rec.Announcement.Event.Maturity), 0).UTC().Format(time.RFC3339))
	}

	key := o.keys.Keypair()
	if key == nil {
		return nil, 0, fmt.Errorf("%w: keypair not loaded", ErrInvalidState)
	}
	start := time.Now()
	sigs := make([]dlc.HexBytes, len(outcomes))
	for i, outcome := range outcomes {
		nonce, err := schnorr.KeypairFromSecret(rec.NonceSecrets[i])
		if err != nil {
			return nil, 0, fmt.Errorf("%w: nonce %d: %v", ErrCorruptRecord, i, err)
		}
		sig, err := schnorr.SignWithNonce(key, nonce, dlc.AttestationMessage(outcome))
		if err != nil {
			return nil, 0, fmt.Errorf("oracle: sign outcome %d: %w", i, err)
		}
		sigs[i] = sig[:]
	}
	metrics.RecordSigningLatency(metrics.ObserveSince(start))

	rec.Attestation = &dlc.Attestation{
		EventID:         rec.EventID(),
		OraclePublicKey: key.XOnly(),
		Signatures:      sigs,
		Outcomes:        append([]string(nil), outcomes...),
	}
	rec.AttestedAt = now.UTC()
	return rec.Attestation, types.AttestCommitted, nil
}

func (o *Oracle) attestErr(ctx context.Context, eventID string, err error) error {
	switch {
	case errors.Is(err, ErrNotMature):
		metrics.RecordAttestRejection("not_mature")
	case errors.Is(err, ErrInvalidState):
		metrics.RecordAttestRejection("invalid_outcomes")
	case errors.Is(err, repository.ErrNotFound):
		metrics.RecordAttestRejection("not_found")
	}
	return o.storeErr(ctx, "attest", eventID, err)
}
