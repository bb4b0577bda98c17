// Package service assembles the oracle, the adjudication workflow and the
// asynchronous attestation pipeline over one store, and exposes them to the
// HTTP API and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/okian/resolvr/internal/adapters/mq/queue"
	"github.com/okian/resolvr/internal/adapters/mq/worker"
	"github.com/okian/resolvr/internal/adapters/repository"
	"github.com/okian/resolvr/internal/adjudication"
	"github.com/okian/resolvr/internal/domain/dedupe"
	"github.com/okian/resolvr/internal/domain/dlc"
	"github.com/okian/resolvr/internal/domain/model"
	"github.com/okian/resolvr/internal/domain/types"
	"github.com/okian/resolvr/internal/oracle"
	"github.com/okian/resolvr/pkg/logger"
	"github.com/okian/resolvr/pkg/metrics"
)

// ErrNotStarted is returned by every operation before Start succeeds.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the oracle daemon.
type Service struct {
	mu sync.RWMutex

	// Configuration
	engineKind      string
	storePath       string
	store           repository.Engine
	ownsStore       bool
	workerCount     int
	queueSize       int
	dedupeSize      int
	maxRetries      uint64
	retryBackoff    time.Duration
	enforceMaturity bool
	cacheSize       int
	maturityDelay   time.Duration
	logger          logger.Logger

	// Components, set by Start
	oracle    *oracle.Oracle
	workflow  *adjudication.Workflow
	deduper   dedupe.Deduper
	queue     *queue.InMemoryQueue
	pool      *worker.Pool
	cancel    context.CancelFunc
	started   bool
	startedAt time.Time
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore selects the storage engine and its data directory.
func WithStore(kind, path string) Option {
	return func(s *Service) {
		if kind != "" {
			s.engineKind = kind
		}
		s.storePath = path
	}
}

// WithEngine runs the service on an already open engine. The caller keeps
// ownership and closes it.
func WithEngine(e repository.Engine) Option {
	return func(s *Service) {
		s.store = e
	}
}

// WithWorkerCount sets the number of attestation workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the capacity of the attestation queue.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize bounds the pending-job dedupe set.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		s.dedupeSize = size
	}
}

// WithAttestRetries sets how often a worker retries a storage failure and
// the first backoff delay.
func WithAttestRetries(n uint64, backoff time.Duration) Option {
	return func(s *Service) {
		s.maxRetries = n
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

// WithMaturityEnforcement refuses attestations before maturity.
func WithMaturityEnforcement(enforce bool) Option {
	return func(s *Service) {
		s.enforceMaturity = enforce
	}
}

// WithAnnouncementCacheSize bounds the oracle read cache.
func WithAnnouncementCacheSize(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.cacheSize = n
		}
	}
}

// WithDefaultMaturityDelay sets the maturity of bounties that name none,
// counted from approval.
func WithDefaultMaturityDelay(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.maturityDelay = d
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service. Nothing is opened until Start.
func New(opts ...Option) *Service {
	s := &Service{
		engineKind:    repository.EngineMemory,
		workerCount:   runtime.NumCPU(),
		queueSize:     1024,
		dedupeSize:    10_000,
		maxRetries:    5,
		retryBackoff:  50 * time.Millisecond,
		cacheSize:     1024,
		maturityDelay: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store, loads the oracle key and starts the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger.Info(ctx, "starting oracle service...")

	if s.store == nil {
		store, err := repository.Open(ctx, s.engineKind, s.storePath,
			repository.WithLogger(s.logger.Named("store")))
		if err != nil {
			return fmt.Errorf("service: open %s store: %w", s.engineKind, err)
		}
		s.store, s.ownsStore = store, true
	}

	o, err := oracle.New(ctx, s.store,
		oracle.WithLogger(s.logger.Named("oracle")),
		oracle.WithMaturityEnforcement(s.enforceMaturity),
		oracle.WithCacheSize(s.cacheSize),
	)
	if err != nil {
		return multierror.Append(fmt.Errorf("service: %w", err), s.releaseStore()).ErrorOrNil()
	}
	s.oracle = o
	s.workflow = adjudication.New(s.store, o,
		adjudication.WithLogger(s.logger.Named("adjudication")),
		adjudication.WithDefaultMaturityDelay(s.maturityDelay),
	)

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.queueSize))
	s.pool = worker.NewPool(s.workerCount, s.queue, o,
		worker.WithLogger(s.logger.Named("worker")),
		worker.WithMaxRetries(s.maxRetries),
		worker.WithBackoff(s.retryBackoff),
		worker.WithReleaser(s.deduper),
	)
	// Workers outlive the Start context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.pool.Start(runCtx)

	s.started = true
	s.startedAt = time.Now()
	pub, _ := o.PublicKey(ctx)
	s.logger.Info(ctx, "oracle service started",
		logger.String("engine", s.store.Name()),
		logger.Any("public_key", dlc.HexBytes(pub)),
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.queueSize),
	)
	return nil
}

// Stop drains the worker pool and closes the store if the service opened it.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping oracle service...")

	var result *multierror.Error
	if err := s.pool.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	s.cancel()
	if err := s.releaseStore(); err != nil {
		result = multierror.Append(result, err)
	}

	s.started = false
	s.logger.Info(ctx, "oracle service stopped")
	return result.ErrorOrNil()
}

func (s *Service) releaseStore() error {
	if !s.ownsStore || s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store, s.ownsStore = nil, false
	if err != nil {
		return fmt.Errorf("service: close store: %w", err)
	}
	return nil
}

type components struct {
	oracle   *oracle.Oracle
	workflow *adjudication.Workflow
	deduper  dedupe.Deduper
	queue    *queue.InMemoryQueue
	store    repository.Engine
}

func (s *Service) running() (components, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return components{}, ErrNotStarted
	}
	return components{s.oracle, s.workflow, s.deduper, s.queue, s.store}, nil
}

// PublicKey returns the oracle's x-only public key.
func (s *Service) PublicKey(ctx context.Context) ([]byte, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.oracle.PublicKey(ctx)
}

// Announcement returns the announcement for eventID.
func (s *Service) Announcement(ctx context.Context, eventID string) (*dlc.Announcement, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.oracle.Announcement(ctx, eventID)
}

// Attestation returns the committed attestation for eventID.
func (s *Service) Attestation(ctx context.Context, eventID string) (*dlc.Attestation, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.oracle.Attestation(ctx, eventID)
}

// CreateAnnouncement announces a new event.
func (s *Service) CreateAnnouncement(ctx context.Context, descriptor dlc.EventDescriptor, maturity time.Time) (*dlc.Announcement, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.oracle.CreateAnnouncement(ctx, descriptor, maturity)
}

// Attest commits outcomes for eventID synchronously.
func (s *Service) Attest(ctx context.Context, eventID string, outcomes []string) (*dlc.Attestation, types.AttestResult, error) {
	c, err := s.running()
	if err != nil {
		return nil, 0, err
	}
	return c.oracle.Attest(ctx, eventID, outcomes)
}

// Submit records a bounty adjudication request.
func (s *Service) Submit(ctx context.Context, tmpl model.BountyTemplate) (model.AdjudicationStatus, error) {
	c, err := s.running()
	if err != nil {
		return model.AdjudicationStatus{}, err
	}
	return c.workflow.Submit(ctx, tmpl)
}

// Approve approves a request and announces its event.
func (s *Service) Approve(ctx context.Context, eventID string) (model.AdjudicationStatus, error) {
	c, err := s.running()
	if err != nil {
		return model.AdjudicationStatus{}, err
	}
	return c.workflow.Approve(ctx, eventID)
}

// Deny denies a request.
func (s *Service) Deny(ctx context.Context, eventID string) (model.AdjudicationStatus, error) {
	c, err := s.running()
	if err != nil {
		return model.AdjudicationStatus{}, err
	}
	return c.workflow.Deny(ctx, eventID)
}

// Status returns the status of a request.
func (s *Service) Status(ctx context.Context, eventID string) (model.AdjudicationStatus, error) {
	c, err := s.running()
	if err != nil {
		return model.AdjudicationStatus{}, err
	}
	return c.workflow.Status(ctx, eventID)
}

// List returns requests, optionally filtered by state.
func (s *Service) List(ctx context.Context, state *types.AdjudicationState) ([]model.AdjudicationStatus, error) {
	c, err := s.running()
	if err != nil {
		return nil, err
	}
	return c.workflow.List(ctx, state)
}

// SubmitAttestation queues an attestation job. A job for an event that
// already has one pending is reported as a duplicate and dropped. Unknown
// events are rejected up front.
func (s *Service) SubmitAttestation(ctx context.Context, job model.AttestationJob) (bool, error) {
	c, err := s.running()
	if err != nil {
		return false, err
	}
	if _, err := c.oracle.Announcement(ctx, job.EventID); err != nil {
		return false, err
	}
	if c.deduper.SeenAndRecord(ctx, job.EventID) {
		metrics.RecordJobDuplicate()
		s.logger.Debug(ctx, "attestation job already pending", logger.EventID(job.EventID))
		return true, nil
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		c.deduper.Unrecord(ctx, job.EventID)
		return false, fmt.Errorf("service: enqueue %s: %w", job.EventID, err)
	}
	return false, nil
}

// Health checks that the store answers.
func (s *Service) Health(ctx context.Context) error {
	c, err := s.running()
	if err != nil {
		return err
	}
	if _, err := c.store.Get(ctx, repository.NamespaceMeta, "version"); err != nil {
		return fmt.Errorf("service: store: %w", err)
	}
	return nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":     s.started,
		"engine":      s.engineKind,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
	}
	if !s.started {
		return stats
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	goroutines := runtime.NumGoroutine()
	metrics.UpdateSystemMemoryUsage(mem.Alloc)
	metrics.UpdateSystemGoroutineCount(goroutines)

	stats["engine"] = s.store.Name()
	stats["uptimeSeconds"] = int64(time.Since(s.startedAt).Seconds())
	stats["queueLength"] = s.queue.Len(ctx)
	stats["pendingJobs"] = s.deduper.Size()
	stats["jobs"] = s.pool.Stats()
	stats["goroutines"] = goroutines
	if pub, err := s.oracle.PublicKey(ctx); err == nil {
		stats["publicKey"] = dlc.HexBytes(pub).String()
	}
	return stats
}
