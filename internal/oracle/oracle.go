// Package oracle implements the DLC oracle: it announces events with
// pre-committed nonces and attests each event's outcome exactly once.
//
// All invariants are enforced through the store's insert-if-absent and
// atomic update primitives, so several Oracle values (or processes) may share
// one store without further coordination.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

// Querier is the read side DLC participants poll.
type Querier interface {
	PublicKey(ctx context.Context) ([]byte, error)
	Announcement(ctx context.Context, eventID string) (*dlc.Announcement, error)
	Attestation(ctx context.Context, eventID string) (*dlc.Attestation, error)
}

// Announcer creates new announcements.
type Announcer interface {
	CreateAnnouncement(ctx context.Context, descriptor dlc.EventDescriptor, maturity time.Time) (*dlc.Announcement, error)
}

// Attester commits outcomes.
type Attester interface {
	Attest(ctx context.Context, eventID string, outcomes []string) (*dlc.Attestation, types.AttestResult, error)
}

// EventBuilder signs a complete event record for a caller-chosen id without
// persisting it. Adjudication uses it to fold the record into the request.
type EventBuilder interface {
	BuildEventRecord(ctx context.Context, eventID string, descriptor dlc.EventDescriptor, maturity time.Time) (*model.EventRecord, error)
}

// Service is the full oracle capability set.
type Service interface {
	Querier
	Announcer
	Attester
	EventBuilder
}

var _ Service = (*Oracle)(nil)

var tracer = otel.Tracer("github.com/okian/resolvr/internal/oracle")

// Oracle is the announcement and attestation engine over a store.
type Oracle struct {
	store           repository.Engine
	keys            *KeyManager
	log             logger.Logger
	now             func() time.Time
	enforceMaturity bool
	cacheSize       int
	migrations      Migrations

	announcements *lru.Cache[string, *dlc.Announcement]
	attestations  *lru.Cache[string, *dlc.Attestation]
}

// New checks the store schema, loads or creates the oracle key and returns a
// ready Oracle.
func New(ctx context.Context, store repository.Engine, opts ...Option) (*Oracle, error) {
	o := &Oracle{
		store:     store,
		log:       logger.Nop(),
		now:       time.Now,
		cacheSize: defaultCacheSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := EnsureSchema(ctx, store, SchemaVersion, o.migrations); err != nil {
		return nil, err
	}
	o.keys = NewKeyManager(store, o.now, o.log)
	if _, err := o.keys.EnsureKeypair(ctx); err != nil {
		return nil, err
	}
	if o.cacheSize > 0 {
		var err error
		if o.announcements, err = lru.New[string, *dlc.Announcement](o.cacheSize); err != nil {
			return nil, fmt.Errorf("oracle: announcement cache: %w", err)
		}
		if o.attestations, err = lru.New[string, *dlc.Attestation](o.cacheSize); err != nil {
			return nil, fmt.Errorf("oracle: attestation cache: %w", err)
		}
	}
	return o, nil
}

// Keys exposes the key manager.
func (o *Oracle) Keys() *KeyManager { return o.keys }

// PublicKey returns the oracle's x-only public key.
func (o *Oracle) PublicKey(_ context.Context) ([]byte, error) {
	return o.keys.PublicKey()
}

// Announcement returns the announcement for eventID, or ErrNotFound.
func (o *Oracle) Announcement(ctx context.Context, eventID string) (*dlc.Announcement, error) {
	if o.announcements != nil {
		if ann, ok := o.announcements.Get(eventID); ok {
			metrics.RecordAnnouncementCache(true)
			return ann, nil
		}
		metrics.RecordAnnouncementCache(false)
	}
	rec, err := o.lookupEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	ann := &rec.Announcement
	if o.announcements != nil {
		o.announcements.Add(eventID, ann)
	}
	return ann, nil
}

// Attestation returns the committed attestation for eventID. An announced
// event without one yields ErrNotYetAttested; an unknown id ErrNotFound.
func (o *Oracle) Attestation(ctx context.Context, eventID string) (*dlc.Attestation, error) {
	if o.attestations != nil {
		if att, ok := o.attestations.Get(eventID); ok {
			return att, nil
		}
	}
	rec, err := o.lookupEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if rec.Attestation == nil {
		return nil, ErrNotYetAttested
	}
	o.cacheAttestation(eventID, rec.Attestation)
	return rec.Attestation, nil
}

func (o *Oracle) cacheAttestation(eventID string, att *dlc.Attestation) {
	if o.attestations != nil && att != nil {
		o.attestations.Add(eventID, att)
	}
}

// lookupEvent finds the record for eventID: a directly announced event, or
// the event folded into an approved adjudication request.
func (o *Oracle) lookupEvent(ctx context.Context, eventID string) (*model.EventRecord, error) {
	rec, err := repository.GetRecord[model.EventRecord](ctx, o.store, repository.NamespaceEvents, eventID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, o.storeErr(ctx, "lookup", eventID, err)
	}
	adj, err := repository.GetRecord[model.AdjudicationRecord](ctx, o.store, repository.NamespaceAdjudications, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, o.storeErr(ctx, "lookup", eventID, err)
	}
	if adj.State != types.StateApproved || adj.Event == nil {
		return nil, ErrNotFound
	}
	return adj.Event, nil
}

// storeErr logs storage consistency violations loudly and tags the error
// with the operation.
func (o *Oracle) storeErr(ctx context.Context, op, eventID string, err error) error {
	if isCorrupt(err) {
		o.log.Error(ctx, "store consistency violation", logger.String("op", op), logger.EventID(eventID), logger.Error(err))
		metrics.RecordErrorByComponent("oracle", "corrupt_record")
	}
	return fmt.Errorf("oracle.%s %s: %w", op, eventID, err)
}

func isCorrupt(err error) bool {
	return errors.Is(err, repository.ErrCorruptRecord)
}

func startSpan(ctx context.Context, name, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("oracle.event_id", eventID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
