package oracle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/crypto/schnorr"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

const eventIDBytes = 32

// NewEventID returns 32 random bytes, hex encoded.
func NewEventID() (string, error) {
	var b [eventIDBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("oracle: event id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// CreateAnnouncement announces a new event under a fresh random id. A
// collision with an existing id is reported as ErrAlreadyExists and nothing
// is overwritten.
func (o *Oracle) CreateAnnouncement(ctx context.Context, descriptor dlc.EventDescriptor, maturity time.Time) (_ *dlc.Announcement, err error) {
	eventID, err := NewEventID()
	if err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "oracle.CreateAnnouncement", eventID)
	defer func() { endSpan(span, err) }()

	if _, err := o.store.Get(ctx, repository.NamespaceAdjudications, eventID); err == nil {
		return nil, fmt.Errorf("oracle.announce %s: %w", eventID, ErrAlreadyExists)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, o.storeErr(ctx, "announce", eventID, err)
	}

	rec, err := o.BuildEventRecord(ctx, eventID, descriptor, maturity)
	if err != nil {
		return nil, err
	}
	_, inserted, err := repository.InsertRecord(ctx, o.store, repository.NamespaceEvents, eventID, rec)
	if err != nil {
		return nil, o.storeErr(ctx, "announce", eventID, err)
	}
	if !inserted {
		o.log.Error(ctx, "event id collision", logger.EventID(eventID))
		return nil, fmt.Errorf("oracle.announce %s: %w", eventID, ErrAlreadyExists)
	}

	metrics.RecordAnnouncementCreated()
	o.log.Info(ctx, "announced event",
		logger.EventID(eventID),
		logger.Int("nonces", len(rec.NonceSecrets)),
		logger.Any("maturity", maturity.UTC()),
	)
	return &rec.Announcement, nil
}

// BuildEventRecord draws one nonce per outcome slot, signs the announcement
// for eventID and returns the record. Nothing is persisted.
func (o *Oracle) BuildEventRecord(ctx context.Context, eventID string, descriptor dlc.EventDescriptor, maturity time.Time) (*model.EventRecord, error) {
	if eventID == "" {
		return nil, fmt.Errorf("%w: empty event id", ErrInvalidDescriptor)
	}
	if err := descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	epoch := maturity.Unix()
	if epoch < 0 || epoch > math.MaxUint32 {
		return nil, fmt.Errorf("%w: maturity %s outside u32 epoch seconds", ErrInvalidDescriptor, maturity)
	}
	key := o.keys.Keypair()
	if key == nil {
		return nil, fmt.Errorf("oracle: %w: keypair not loaded", ErrInvalidState)
	}

	start := time.Now()
	n := descriptor.NonceCount()
	secrets := make([][]byte, 0, n)
	nonces := make([]dlc.HexBytes, 0, n)
	for i := 0; i < n; i++ {
		nonce, err := schnorr.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("oracle: nonce %d: %w", i, err)
		}
		secrets = append(secrets, nonce.Secret())
		nonces = append(nonces, nonce.XOnly())
	}

	event := dlc.OracleEvent{
		Nonces:     nonces,
		Maturity:   uint32(epoch),
		Descriptor: descriptor,
		EventID:    eventID,
	}
	msg, err := dlc.AnnouncementMessage(&event)
	if err != nil {
		return nil, fmt.Errorf("oracle: encode event: %w", err)
	}
	sig, err := schnorr.Sign(key, msg)
	if err != nil {
		return nil, fmt.Errorf("oracle: sign announcement: %w", err)
	}
	metrics.RecordSigningLatency(metrics.ObserveSince(start))

	return &model.EventRecord{
		Announcement: dlc.Announcement{
			Signature:       sig[:],
			OraclePublicKey: key.XOnly(),
			Event:           event,
		},
		NonceSecrets: secrets,
		CreatedAt:    o.now().UTC(),
	}, nil
}
