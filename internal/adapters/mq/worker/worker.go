// Package worker drains the attestation queue and commits each job through
// the oracle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/okian/resolvr/internal/adapters/mq/queue"
	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

const (
	defaultWorkerMultiplier = 2
	poolShutdownTimeout     = 30 * time.Second
)

// Job is what workers read off the queue.
type Job = queue.Job

// Attester commits outcomes for an event.
type Attester interface {
	Attest(ctx context.Context, eventID string, outcomes []string) (*dlc.Attestation, types.AttestResult, error)
}

// Releaser forgets a pending job id.
type Releaser interface {
	Unrecord(ctx context.Context, id string)
}

// Queue is how workers receive jobs.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Job
}

// ResultFunc is told how each job ended. err is nil on success.
type ResultFunc func(job Job, result types.AttestResult, err error)

// Worker processes jobs until its queue closes or it is shut down.
type Worker interface {
	Run(ctx context.Context)
	Shutdown(ctx context.Context) error
}

// InMemoryWorker runs jobs one at a time.
type InMemoryWorker struct {
	queue    Queue
	attester Attester
	cfg      config
	logger   logger.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
}

// NewInMemoryWorker creates a worker reading from q.
func NewInMemoryWorker(q Queue, attester Attester, opts ...Option) *InMemoryWorker {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.Get().Named("worker")
	}
	return &InMemoryWorker{
		queue:    q,
		attester: attester,
		cfg:      cfg,
		logger:   cfg.logger.With(logger.String("worker", cfg.name)),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run processes jobs until ctx is done, the queue is drained and closed, or
// Shutdown is called.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	jobs := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			_ = w.Process(ctx, job)
		}
	}
}

// Shutdown stops the worker after its current job.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.shutdownOnce.Do(func() { close(w.shutdown) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("worker %s: shutdown timed out: %w", w.cfg.name, ctx.Err())
	}
}

// Process attests one job, retrying storage failures with exponential
// backoff. A job that fails for good releases its dedupe slot.
func (w *InMemoryWorker) Process(ctx context.Context, job Job) error { //nolint:gocritic // hugeParam: jobs travel by value over the channel
	start := time.Now()
	defer func() { metrics.RecordWorkerProcessingLatency(metrics.ObserveSince(start)) }()
	if job.RequestID != "" {
		ctx = logger.WithRequestID(ctx, job.RequestID)
	}

	var result types.AttestResult
	attempt := 0
	backoff := retry.WithMaxRetries(w.cfg.maxRetries, retry.NewExponential(w.cfg.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RecordWorkerRetry()
		}
		_, res, err := w.attester.Attest(ctx, job.EventID, job.Outcomes)
		if errors.Is(err, repository.ErrStorageUnavailable) {
			w.logger.Warn(ctx, "attest failed on storage, retrying",
				logger.EventID(job.EventID), logger.Int("attempt", attempt), logger.Error(err))
			return retry.RetryableError(err)
		}
		result = res
		return err
	})

	if err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "attest_failed")
		w.logger.Error(ctx, "attestation job failed",
			logger.EventID(job.EventID), logger.Int("attempts", attempt), logger.Error(err))
		if w.cfg.releaser != nil {
			w.cfg.releaser.Unrecord(ctx, job.EventID)
		}
	} else {
		w.logger.Debug(ctx, "attestation job done",
			logger.EventID(job.EventID), logger.String("result", result.String()))
	}
	if w.cfg.onResult != nil {
		w.cfg.onResult(job, result, err)
	}
	return err
}

// Stats counts finished jobs.
type Stats struct {
	Committed       int64 `json:"committed"`
	AlreadyAttested int64 `json:"already_attested"`
	Failed          int64 `json:"failed"`
}

// Pool runs a fixed set of workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   Queue
	logger  logger.Logger

	started         atomic.Bool
	active          atomic.Int64
	committed       atomic.Int64
	alreadyAttested atomic.Int64
	failed          atomic.Int64
}

// NewPool creates workerCount workers. A count below one means two per CPU.
func NewPool(workerCount int, q Queue, attester Attester, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU() * defaultWorkerMultiplier
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = logger.Get().Named("worker-pool")
	}

	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  log,
	}
	observe := cfg.onResult
	record := func(job Job, res types.AttestResult, err error) {
		p.count(res, err)
		if observe != nil {
			observe(job, res, err)
		}
	}
	for i := range p.workers {
		workerOpts := append([]Option{}, opts...)
		workerOpts = append(workerOpts,
			WithName("worker-"+strconv.Itoa(i)),
			WithLogger(log),
			WithResultFunc(record),
		)
		p.workers[i] = NewInMemoryWorker(q, attester, workerOpts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

func (p *Pool) count(res types.AttestResult, err error) {
	switch {
	case err != nil:
		p.failed.Add(1)
	case res == types.AttestCommitted:
		p.committed.Add(1)
	case res == types.AttestAlreadyAttested:
		p.alreadyAttested.Add(1)
	}
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) {
	p.started.Store(true)
	for _, w := range p.workers {
		go func(w *InMemoryWorker) {
			n := p.active.Add(1)
			metrics.UpdateWorkerActiveCount(int(n))
			defer func() { metrics.UpdateWorkerActiveCount(int(p.active.Add(-1))) }()
			w.Run(ctx)
		}(w)
	}
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

// Size is the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

// Stats reports finished job counts.
func (p *Pool) Stats() Stats {
	return Stats{
		Committed:       p.committed.Load(),
		AlreadyAttested: p.alreadyAttested.Load(),
		Failed:          p.failed.Load(),
	}
}

// Shutdown closes the queue, lets workers drain it, and waits for them up to
// a timeout.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	// Workers that never ran never close done.
	if !p.started.Load() {
		p.logger.Info(ctx, "worker pool stopped before start")
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, poolShutdownTimeout)
	defer cancel()

	var timedOut int
	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-shutdownCtx.Done():
			timedOut++
			p.logger.Warn(ctx, "worker shutdown timed out", logger.Int("worker_id", i))
		}
	}
	if timedOut > 0 {
		return fmt.Errorf("worker pool: %d workers still running", timedOut)
	}
	p.logger.Info(ctx, "worker pool stopped", logger.Any("stats", p.Stats()))
	return nil
}
