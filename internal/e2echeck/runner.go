package e2echeck

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/pkg/logger"
)

// ErrVerification marks a response that decoded fine but failed a check.
var ErrVerification = errors.New("verification failed")

type pubkeyResponse struct {
	PublicKey string `json:"public_key"`
}

type submitAttestation struct {
	EventID  string   `json:"event_id"`
	Outcomes []string `json:"outcomes"`
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type runner struct {
	cfg    *Config
	c      *client
	log    logger.Logger
	pubkey []byte
	runID  string
	stats  Stats
}

// Run pushes cfg.Bounties bounties through submit, decide, announce and
// attest, verifying the announcement and attestation signatures of each
// approved one against the oracle public key.
func Run(ctx context.Context, cfg *Config, log logger.Logger) (*Stats, error) {
	if log == nil {
		log = logger.Nop()
	}
	r := &runner{
		cfg:   cfg,
		c:     newClient(cfg.BaseURL, cfg.AdminToken, cfg.Timeout),
		log:   log,
		runID: time.Now().UTC().Format("20060102T150405.000000000"),
	}
	r.stats.StartTime = time.Now()

	if _, err := r.c.do(ctx, http.MethodGet, "/healthz", nil, nil, http.StatusOK); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}
	var pk pubkeyResponse
	if _, err := r.c.do(ctx, http.MethodGet, "/v1/oracle/pubkey", nil, &pk, http.StatusOK); err != nil {
		return nil, err
	}
	pub, err := hex.DecodeString(pk.PublicKey)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("%w: public key %q", ErrVerification, pk.PublicKey)
	}
	r.pubkey = pub
	log.Info(ctx, "starting bounty check",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("bounties", cfg.Bounties),
		logger.Int("workers", cfg.Workers),
		logger.String("public_key", pk.PublicKey))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for i := 0; i < cfg.Bounties; i++ {
		g.Go(func() error { return r.bounty(gctx, i) })
	}
	err = g.Wait()
	r.stats.Duration = time.Since(r.stats.StartTime)

	log.Info(ctx, "bounty check finished",
		logger.Any("submitted", atomic.LoadInt64(&r.stats.Submitted)),
		logger.Any("approved", atomic.LoadInt64(&r.stats.Approved)),
		logger.Any("denied", atomic.LoadInt64(&r.stats.Denied)),
		logger.Any("verified", atomic.LoadInt64(&r.stats.Verified)),
		logger.Duration("duration", r.stats.Duration))
	return &r.stats, err
}

func (r *runner) bounty(ctx context.Context, i int) error {
	id := fmt.Sprintf("e2e-%s-%d", r.runID, i)
	tmpl := model.BountyTemplate{EventID: id, Title: fmt.Sprintf("bounty %d", i)}
	var st model.AdjudicationStatus
	if _, err := r.c.do(ctx, http.MethodPost, "/v1/adjudications", tmpl, &st, http.StatusCreated); err != nil {
		return err
	}
	if st.State != types.StateInReview {
		return fmt.Errorf("%w: %s submitted as %s", ErrVerification, id, st.State)
	}
	atomic.AddInt64(&r.stats.Submitted, 1)

	if r.cfg.DenyEvery > 0 && (i+1)%r.cfg.DenyEvery == 0 {
		return r.deny(ctx, id)
	}

	if _, err := r.c.do(ctx, http.MethodPost, "/v1/adjudications/"+id+"/approve", nil, &st, http.StatusOK); err != nil {
		return err
	}
	atomic.AddInt64(&r.stats.Approved, 1)

	var ann dlc.Announcement
	if _, err := r.c.do(ctx, http.MethodGet, "/v1/events/"+id+"/announcement", nil, &ann, http.StatusOK); err != nil {
		return err
	}
	if !bytes.Equal(ann.OraclePublicKey, r.pubkey) {
		return fmt.Errorf("%w: %s announced under another key", ErrVerification, id)
	}
	if err := ann.Verify(); err != nil {
		return fmt.Errorf("%w: %s announcement: %w", ErrVerification, id, err)
	}

	outcome := dlc.OutcomeBountyComplete
	if i%2 == 1 {
		outcome = dlc.OutcomeBountyInsufficient
	}
	job := submitAttestation{EventID: id, Outcomes: []string{outcome}}
	var ack ackResponse
	if _, err := r.c.do(ctx, http.MethodPost, "/v1/attestations", job, &ack, http.StatusAccepted, http.StatusOK); err != nil {
		return err
	}

	att, err := r.awaitAttestation(ctx, id)
	if err != nil {
		return err
	}
	atomic.AddInt64(&r.stats.Attested, 1)
	if len(att.Outcomes) != 1 || att.Outcomes[0] != outcome {
		return fmt.Errorf("%w: %s attested %v, want %s", ErrVerification, id, att.Outcomes, outcome)
	}
	if err := ann.VerifyAttestation(att); err != nil {
		return fmt.Errorf("%w: %s attestation: %w", ErrVerification, id, err)
	}
	atomic.AddInt64(&r.stats.Verified, 1)

	status, err := r.c.do(ctx, http.MethodPost, "/v1/attestations", job, &ack, http.StatusAccepted, http.StatusOK)
	if err != nil {
		return err
	}
	if status == http.StatusOK && ack.Duplicate {
		atomic.AddInt64(&r.stats.Duplicates, 1)
	}
	return nil
}

func (r *runner) deny(ctx context.Context, id string) error {
	var st model.AdjudicationStatus
	if _, err := r.c.do(ctx, http.MethodPost, "/v1/adjudications/"+id+"/deny", nil, &st, http.StatusOK); err != nil {
		return err
	}
	if st.State != types.StateDenied {
		return fmt.Errorf("%w: %s denied as %s", ErrVerification, id, st.State)
	}
	if _, err := r.c.do(ctx, http.MethodGet, "/v1/events/"+id+"/announcement", nil, nil, http.StatusNotFound); err != nil {
		return fmt.Errorf("%w: denied bounty is announced: %w", ErrVerification, err)
	}
	atomic.AddInt64(&r.stats.Denied, 1)
	return nil
}

// awaitAttestation polls until the worker pool has committed the event.
func (r *runner) awaitAttestation(ctx context.Context, id string) (*dlc.Attestation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PollFor)
	defer cancel()
	ticker := time.NewTicker(r.cfg.PollEvery)
	defer ticker.Stop()
	for {
		var att dlc.Attestation
		status, err := r.c.do(ctx, http.MethodGet, "/v1/events/"+id+"/attestation", nil, &att, http.StatusOK, http.StatusTooEarly)
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return &att, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s not attested: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
