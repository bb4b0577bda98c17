// Package metrics provides Prometheus metrics for the resolvr oracle service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// defaultMsBuckets suits the millisecond latencies every histogram records.
var defaultMsBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000} //nolint:gochecknoglobals // read-only defaults

// Manager manages all Prometheus metrics for the oracle service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Oracle metrics
	announcementsCreated  prometheus.Counter
	attestationsCommitted prometheus.Counter
	attestationsRepeated  prometheus.Counter
	attestRejections      *prometheus.CounterVec
	signingLatency        prometheus.Histogram
	announcementCacheHits *prometheus.CounterVec

	// Adjudication metrics
	adjudicationTransitions *prometheus.CounterVec
	adjudicationsByState    *prometheus.GaugeVec

	// Store metrics
	storeOpLatency *prometheus.HistogramVec
	storeConflicts prometheus.Counter

	// HTTP metrics
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue metrics
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueRate   prometheus.Counter
	queueDequeueRate   prometheus.Counter
	queueEnqueueErrors prometheus.Counter

	// Worker metrics
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter
	workerRetries           prometheus.Counter
	jobsDuplicate           prometheus.Counter

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "resolvr",
		subsystem:        "oracle",
		histogramBuckets: defaultMsBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

// RefreshInterval is how often gauge refreshers should run.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

func (m *Manager) name(n string) string {
	if m.metricPrefix != "" {
		return m.metricPrefix + "_" + n
	}
	return n
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: m.name(name), Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	msBuckets := m.histogramBuckets

	m.announcementsCreated = m.counter("announcements_created_total", "Announcements signed and persisted")
	m.attestationsCommitted = m.counter("attestations_committed_total", "Attestations signed and committed")
	m.attestationsRepeated = m.counter("attestations_already_present_total", "Attest calls that found an existing attestation")
	m.attestRejections = m.counterVec("attest_rejections_total", "Attest calls rejected before signing", "reason")
	m.signingLatency = m.histogram("signing_latency_milliseconds", "Time spent producing Schnorr signatures", msBuckets)
	m.announcementCacheHits = m.counterVec("announcement_cache_total", "Announcement cache lookups", "result")

	m.adjudicationTransitions = m.counterVec("adjudication_transitions_total", "Adjudication state transitions", "state")
	m.adjudicationsByState = m.gaugeVec("adjudications", "Adjudication requests by state", "state")

	m.storeOpLatency = m.histogramVec("store_op_latency_milliseconds", "Store operation latency", msBuckets, "engine", "op")
	m.storeConflicts = m.counter("store_conflicts_total", "Transaction conflicts retried by the store")

	m.httpRequests = m.counterVec("http_requests_total", "Total HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", msBuckets, "endpoint", "method", "status_code")

	m.queueSize = m.gauge("queue_size", "Attestation jobs waiting in the queue")
	m.queueCapacity = m.gauge("queue_capacity", "Attestation queue capacity")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Attestation jobs enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Attestation jobs dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Attestation jobs rejected by the queue")

	m.workerCount = m.gauge("worker_count", "Configured attestation workers")
	m.workerActiveCount = m.gauge("worker_active_count", "Workers currently processing a job")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Attestation job processing latency", msBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Attestation jobs that failed permanently")
	m.workerRetries = m.counter("worker_retries_total", "Attestation job retries")
	m.jobsDuplicate = m.counter("jobs_duplicate_total", "Attestation jobs rejected as duplicates of a pending job")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by endpoint", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
}

// active returns the global manager, or nil when collection is disabled.
func active() *Manager {
	if globalManager == nil || !globalManager.enabled {
		return nil
	}
	return globalManager
}

// RecordAnnouncementCreated increments the announcements counter.
func RecordAnnouncementCreated() {
	if m := active(); m != nil {
		m.announcementsCreated.Inc()
	}
}

// RecordAttestationCommitted increments the committed attestations counter.
func RecordAttestationCommitted() {
	if m := active(); m != nil {
		m.attestationsCommitted.Inc()
	}
}

// RecordAttestationAlreadyPresent counts idempotent attest calls.
func RecordAttestationAlreadyPresent() {
	if m := active(); m != nil {
		m.attestationsRepeated.Inc()
	}
}

// RecordAttestRejection counts attest calls rejected for reason.
func RecordAttestRejection(reason string) {
	if m := active(); m != nil {
		m.attestRejections.WithLabelValues(reason).Inc()
	}
}

// RecordSigningLatency records signing time in milliseconds.
func RecordSigningLatency(latencyMs float64) {
	if m := active(); m != nil {
		m.signingLatency.Observe(latencyMs)
	}
}

// RecordAnnouncementCache records a cache hit or miss.
func RecordAnnouncementCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	if m := active(); m != nil {
		m.announcementCacheHits.WithLabelValues(result).Inc()
	}
}

// RecordAdjudicationTransition counts a request entering state.
func RecordAdjudicationTransition(state string) {
	if m := active(); m != nil {
		m.adjudicationTransitions.WithLabelValues(state).Inc()
	}
}

// UpdateAdjudicationsByState sets the number of requests in state.
func UpdateAdjudicationsByState(state string, count int) {
	if m := active(); m != nil {
		m.adjudicationsByState.WithLabelValues(state).Set(float64(count))
	}
}

// RecordStoreOpLatency records a store operation latency in milliseconds.
func RecordStoreOpLatency(engine, op string, latencyMs float64) {
	if m := active(); m != nil {
		m.storeOpLatency.WithLabelValues(engine, op).Observe(latencyMs)
	}
}

// RecordStoreConflict counts a retried transaction conflict.
func RecordStoreConflict() {
	if m := active(); m != nil {
		m.storeConflicts.Inc()
	}
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if m := active(); m != nil {
		m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if m := active(); m != nil {
		m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	if m := active(); m != nil {
		m.queueSize.Set(float64(size))
	}
}

// UpdateQueueCapacity sets the queue capacity.
func UpdateQueueCapacity(capacity int) {
	if m := active(); m != nil {
		m.queueCapacity.Set(float64(capacity))
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	if m := active(); m != nil {
		m.queueEnqueueRate.Inc()
	}
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	if m := active(); m != nil {
		m.queueDequeueRate.Inc()
	}
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	if m := active(); m != nil {
		m.queueEnqueueErrors.Inc()
	}
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	if m := active(); m != nil {
		m.workerCount.Set(float64(count))
	}
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	if m := active(); m != nil {
		m.workerActiveCount.Set(float64(count))
	}
}

// RecordWorkerProcessingLatency records job processing latency in milliseconds.
func RecordWorkerProcessingLatency(latencyMs float64) {
	if m := active(); m != nil {
		m.workerProcessingLatency.Observe(latencyMs)
	}
}

// RecordWorkerError counts a job that failed permanently.
func RecordWorkerError() {
	if m := active(); m != nil {
		m.workerErrors.Inc()
	}
}

// RecordWorkerRetry counts a job retry.
func RecordWorkerRetry() {
	if m := active(); m != nil {
		m.workerRetries.Inc()
	}
}

// RecordJobDuplicate counts a job rejected as a duplicate.
func RecordJobDuplicate() {
	if m := active(); m != nil {
		m.jobsDuplicate.Inc()
	}
}

// RecordErrorByComponent records an error by component and type.
func RecordErrorByComponent(component, errorType string) {
	if m := active(); m != nil {
		m.errorRateByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// RecordErrorByEndpoint records an error by endpoint.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	if m := active(); m != nil {
		m.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets the memory usage.
func UpdateSystemMemoryUsage(bytes uint64) {
	if m := active(); m != nil {
		m.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	if m := active(); m != nil {
		m.systemGoroutineCount.Set(float64(count))
	}
}

// GetRegistry returns the custom Prometheus registry.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// ObserveSince returns elapsed milliseconds since start.
func ObserveSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
