// Package adjudication runs the bounty review workflow: a requester submits
// a bounty template, an operator approves or denies it, and approval
// announces the bounty's oracle event under the requested id.
package adjudication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/internal/oracle"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

const (
	defaultMaturityDelay = 24 * time.Hour
	maxEventIDLen        = 256
)

// Workflow holds adjudication requests in the store and drives their state
// transitions. Each transition is one atomic update of the request record.
type Workflow struct {
	store         repository.Engine
	builder       oracle.EventBuilder
	log           logger.Logger
	now           func() time.Time
	maturityDelay time.Duration
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the workflow logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithDefaultMaturityDelay sets the maturity used for templates that leave
// it empty, counted from approval.
func WithDefaultMaturityDelay(d time.Duration) Option {
	return func(w *Workflow) {
		if d >= 0 {
			w.maturityDelay = d
		}
	}
}

// New returns a Workflow over store that signs approved events with builder.
func New(store repository.Engine, builder oracle.EventBuilder, opts ...Option) *Workflow {
	w := &Workflow{
		store:         store,
		builder:       builder,
		log:           logger.Nop(),
		now:           time.Now,
		maturityDelay: defaultMaturityDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit records a new request in review. An id already used by a request
// or by an announced event yields ErrAlreadyExists.
func (w *Workflow) Submit(ctx context.Context, tmpl model.BountyTemplate) (model.AdjudicationStatus, error) {
	tmpl.EventID = strings.TrimSpace(tmpl.EventID)
	if err := validateTemplate(tmpl); err != nil {
		return model.AdjudicationStatus{}, err
	}

	if _, err := w.store.Get(ctx, repository.NamespaceEvents, tmpl.EventID); err == nil {
		return model.AdjudicationStatus{}, fmt.Errorf("adjudication.submit %s: %w", tmpl.EventID, oracle.ErrAlreadyExists)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return model.AdjudicationStatus{}, fmt.Errorf("adjudication.submit %s: %w", tmpl.EventID, err)
	}

	rec := &model.AdjudicationRecord{
		Template:    tmpl,
		State:       types.StateInReview,
		SubmittedAt: w.now().UTC(),
	}
	stored, inserted, err := repository.InsertRecord(ctx, w.store, repository.NamespaceAdjudications, tmpl.EventID, rec)
	if err != nil {
		return model.AdjudicationStatus{}, fmt.Errorf("adjudication.submit %s: %w", tmpl.EventID, err)
	}
	if !inserted {
		return stored.Status(), fmt.Errorf("adjudication.submit %s: %w", tmpl.EventID, oracle.ErrAlreadyExists)
	}

	metrics.RecordAdjudicationTransition(string(types.StateInReview))
	w.log.Info(ctx, "adjudication submitted", logger.EventID(tmpl.EventID), logger.String("title", tmpl.Title))
	return rec.Status(), nil
}

// Approve moves a request from review to approved and announces its event
// in the same atomic update. On a request already decided it returns the
// current status together with ErrInvalidState.
func (w *Workflow) Approve(ctx context.Context, eventID string) (model.AdjudicationStatus, error) {
	return w.decide(ctx, eventID, types.StateApproved, func(rec *model.AdjudicationRecord, now time.Time) error {
		desc, maturity := w.eventParams(rec.Template, now)
		ev, err := w.builder.BuildEventRecord(ctx, eventID, desc, maturity)
		if err != nil {
			return err
		}
		rec.Event = ev
		return nil
	})
}

// Deny moves a request from review to denied. No event is announced.
func (w *Workflow) Deny(ctx context.Context, eventID string) (model.AdjudicationStatus, error) {
	return w.decide(ctx, eventID, types.StateDenied, nil)
}

func (w *Workflow) decide(ctx context.Context, eventID string, to types.AdjudicationState,
	apply func(*model.AdjudicationRecord, time.Time) error,
) (model.AdjudicationStatus, error) {
	var current model.AdjudicationStatus
	rec, err := repository.UpdateRecord(ctx, w.store, repository.NamespaceAdjudications, eventID,
		func(rec *model.AdjudicationRecord) error {
			current = rec.Status()
			if rec.State != types.StateInReview {
				return fmt.Errorf("%w: request is %s", oracle.ErrInvalidState, rec.State)
			}
			now := w.now().UTC()
			if apply != nil {
				if err := apply(rec, now); err != nil {
					return err
				}
			}
			rec.State = to
			rec.DecidedAt = now
			return nil
		})
	if err != nil {
		op := "adjudication." + verb(to)
		if errors.Is(err, oracle.ErrInvalidState) {
			w.log.Debug(ctx, "adjudication already decided", logger.EventID(eventID), logger.String("state", string(current.State)))
			return current, fmt.Errorf("%s %s: %w", op, eventID, err)
		}
		if errors.Is(err, repository.ErrCorruptRecord) {
			w.log.Error(ctx, "store consistency violation", logger.EventID(eventID), logger.Error(err))
			metrics.RecordErrorByComponent("adjudication", "corrupt_record")
		}
		return model.AdjudicationStatus{}, fmt.Errorf("%s %s: %w", op, eventID, err)
	}

	metrics.RecordAdjudicationTransition(string(to))
	w.log.Info(ctx, "adjudication decided", logger.EventID(eventID), logger.String("state", string(to)))
	return rec.Status(), nil
}

// Status returns the current status of a request.
func (w *Workflow) Status(ctx context.Context, eventID string) (model.AdjudicationStatus, error) {
	rec, err := repository.GetRecord[model.AdjudicationRecord](ctx, w.store, repository.NamespaceAdjudications, eventID)
	if err != nil {
		return model.AdjudicationStatus{}, fmt.Errorf("adjudication.status %s: %w", eventID, err)
	}
	return rec.Status(), nil
}

// List returns every request in store order, optionally only those in state.
func (w *Workflow) List(ctx context.Context, state *types.AdjudicationState) ([]model.AdjudicationStatus, error) {
	out := []model.AdjudicationStatus{}
	counts := make(map[types.AdjudicationState]int, 3)
	err := repository.IterateRecords(ctx, w.store, repository.NamespaceAdjudications,
		func(_ string, rec *model.AdjudicationRecord) error {
			counts[rec.State]++
			if state == nil || rec.State == *state {
				out = append(out, rec.Status())
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("adjudication.list: %w", err)
	}
	for _, s := range types.AdjudicationStates() {
		metrics.UpdateAdjudicationsByState(string(s), counts[s])
	}
	return out, nil
}

// eventParams resolves the descriptor and maturity for an approved template.
func (w *Workflow) eventParams(tmpl model.BountyTemplate, approvedAt time.Time) (dlc.EventDescriptor, time.Time) {
	outcomes := tmpl.Outcomes
	if len(outcomes) == 0 {
		outcomes = dlc.BountyOutcomes()
	}
	maturity := tmpl.Maturity
	if maturity.IsZero() {
		maturity = approvedAt.Add(w.maturityDelay)
	}
	return dlc.NewEnumDescriptor(outcomes...), maturity
}

func validateTemplate(tmpl model.BountyTemplate) error {
	switch {
	case tmpl.EventID == "":
		return fmt.Errorf("%w: event id is required", oracle.ErrInvalidDescriptor)
	case len(tmpl.EventID) > maxEventIDLen:
		return fmt.Errorf("%w: event id longer than %d bytes", oracle.ErrInvalidDescriptor, maxEventIDLen)
	case strings.TrimSpace(tmpl.Title) == "":
		return fmt.Errorf("%w: bounty title is required", oracle.ErrInvalidDescriptor)
	}
	if len(tmpl.Outcomes) > 0 {
		if err := dlc.NewEnumDescriptor(tmpl.Outcomes...).Validate(); err != nil {
			return fmt.Errorf("%w: %w", oracle.ErrInvalidDescriptor, err)
		}
	}
	if !tmpl.Maturity.IsZero() && (tmpl.Maturity.Unix() < 0 || tmpl.Maturity.Unix() > 1<<32-1) {
		return fmt.Errorf("%w: maturity outside u32 epoch seconds", oracle.ErrInvalidDescriptor)
	}
	return nil
}

func verb(s types.AdjudicationState) string {
	if s == types.StateApproved {
		return "approve"
	}
	return "deny"
}
