// Package metrics provides Prometheus metrics for the kinship identity
// resolution service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager owns every Prometheus metric the service exports.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	registry         prometheus.Registerer

	// Resolution pipeline
	candidatesResolved   *prometheus.CounterVec // by decision
	interactionsRecorded *prometheus.CounterVec // by interaction type
	unitsDuplicate       prometheus.Counter
	reviewItems          prometheus.Counter
	validationErrors     prometheus.Counter

	// Merge lifecycle
	mergesApplied  prometheus.Counter
	mergesUndone   prometheus.Counter
	mergeConflicts prometheus.Counter
	matchLatency   prometheus.Histogram

	// Decay batches
	decayBatchDuration prometheus.Histogram
	tagsArchived       prometheus.Counter
	identitiesTotal    prometheus.Gauge

	// Store
	repositoryShardCount    prometheus.Gauge
	repositoryUpdateLatency prometheus.Histogram
	repositoryQueryLatency  prometheus.Histogram

	// Queue
	queueCapacity          prometheus.Gauge
	queueSize              prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueues          prometheus.Counter
	queueDequeues          prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Workers
	workerActiveCount       prometheus.Gauge
	workerIdleCount         prometheus.Gauge
	workerMessagesPerSecond prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter

	// Errors by component
	errorsByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager with the given options applied over
// the defaults.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "kinship",
		subsystem:        "resolution",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	factory := promauto.With(m.registry)

	m.candidatesResolved = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "candidates_resolved_total",
		Help:      "Contact candidates resolved, labeled by decision outcome.",
	}, []string{"decision"})

	m.interactionsRecorded = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "interactions_recorded_total",
		Help:      "Interaction events folded into relationship scores, by type.",
	}, []string{"type"})

	m.unitsDuplicate = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "units_duplicate_total",
		Help:      "Pipeline units skipped because their dedup key was already seen.",
	})

	m.reviewItems = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "review_items_total",
		Help:      "Match decisions routed to manual review.",
	})

	m.validationErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "validation_errors_total",
		Help:      "Candidates or interactions rejected as malformed.",
	})

	m.mergesApplied = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "merges_applied_total",
		Help:      "Identity merges committed.",
	})

	m.mergesUndone = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "merges_undone_total",
		Help:      "Merges reversed from lineage.",
	})

	m.mergeConflicts = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "merge_version_conflicts_total",
		Help:      "Optimistic-concurrency conflicts retried during merges.",
	})

	m.matchLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "match_latency_ms",
		Help:      "Candidate matching latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})

	m.decayBatchDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "decay_batch_duration_seconds",
		Help:      "Duration of scheduled decay recompute passes.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	m.tagsArchived = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "interest_tags_archived_total",
		Help:      "Interest tags archived after falling below the confidence floor.",
	})

	m.identitiesTotal = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "identities_total",
		Help:      "Live canonical identities in the store.",
	})

	m.repositoryShardCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "repository",
		Name:      "shard_count",
		Help:      "Number of shards in the in-memory store.",
	})

	m.repositoryUpdateLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "repository",
		Name:      "update_latency_ms",
		Help:      "Store write latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})

	m.repositoryQueryLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "repository",
		Name:      "query_latency_ms",
		Help:      "Store read latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})

	m.queueCapacity = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "capacity",
		Help:      "Configured queue capacity.",
	})

	m.queueSize = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "size",
		Help:      "Units currently queued.",
	})

	m.queueUtilization = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "utilization",
		Help:      "Queue fill ratio in [0,1].",
	})

	m.queueEnqueues = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "enqueues_total",
		Help:      "Units accepted by the queue.",
	})

	m.queueDequeues = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "dequeues_total",
		Help:      "Units handed to workers.",
	})

	m.queueEnqueueErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "enqueue_errors_total",
		Help:      "Enqueue attempts rejected (full, closed, or cancelled).",
	})

	m.queueProcessingLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "queue",
		Name:      "processing_latency_ms",
		Help:      "Enqueue call latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})

	m.workerActiveCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "active_count",
		Help:      "Partition workers currently running.",
	})

	m.workerIdleCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "idle_count",
		Help:      "Partition workers with an empty partition buffer.",
	})

	m.workerMessagesPerSecond = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "messages_per_second",
		Help:      "Units processed per second across the pool.",
	})

	m.workerProcessingLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "processing_latency_ms",
		Help:      "Per-unit processing latency in milliseconds.",
		Buckets:   m.histogramBuckets,
	})

	m.workerErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "errors_total",
		Help:      "Units whose processing returned an error.",
	})

	m.errorsByComponent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "errors",
		Name:      "by_component_total",
		Help:      "Errors by component and kind.",
	}, []string{"component", "kind"})
}

// Package-level recording functions delegating to the global manager.

// RecordCandidateResolved counts one resolved candidate by decision.
func RecordCandidateResolved(decision string) {
	globalManager.candidatesResolved.WithLabelValues(decision).Inc()
}

// RecordInteractionRecorded counts one applied interaction by type.
func RecordInteractionRecorded(kind string) {
	globalManager.interactionsRecorded.WithLabelValues(kind).Inc()
}

// RecordDuplicateUnit counts a unit skipped by dedup.
func RecordDuplicateUnit() {
	globalManager.unitsDuplicate.Inc()
}

// RecordReviewItem counts a decision routed to manual review.
func RecordReviewItem() {
	globalManager.reviewItems.Inc()
}

// RecordValidationError counts a rejected malformed unit.
func RecordValidationError() {
	globalManager.validationErrors.Inc()
}

// RecordMergeApplied counts a committed merge.
func RecordMergeApplied() {
	globalManager.mergesApplied.Inc()
}

// RecordMergeUndone counts a reversed merge.
func RecordMergeUndone() {
	globalManager.mergesUndone.Inc()
}

// RecordMergeConflict counts a retried version conflict.
func RecordMergeConflict() {
	globalManager.mergeConflicts.Inc()
}

// RecordMatchLatency observes candidate matching latency in milliseconds.
func RecordMatchLatency(latencyMs float64) {
	globalManager.matchLatency.Observe(latencyMs)
}

// RecordDecayBatchDuration observes a decay pass duration in seconds.
func RecordDecayBatchDuration(seconds float64) {
	globalManager.decayBatchDuration.Observe(seconds)
}

// RecordTagArchived counts an interest tag crossing the archive floor.
func RecordTagArchived() {
	globalManager.tagsArchived.Inc()
}

// UpdateIdentityCount sets the live identity gauge.
func UpdateIdentityCount(count int) {
	globalManager.identitiesTotal.Set(float64(count))
}

// UpdateRepositoryShardCount sets the store shard gauge.
func UpdateRepositoryShardCount(count int) {
	globalManager.repositoryShardCount.Set(float64(count))
}

// RecordRepositoryUpdateLatency observes a store write latency.
func RecordRepositoryUpdateLatency(latencyMs float64) {
	globalManager.repositoryUpdateLatency.Observe(latencyMs)
}

// RecordRepositoryQueryLatency observes a store read latency.
func RecordRepositoryQueryLatency(latencyMs float64) {
	globalManager.repositoryQueryLatency.Observe(latencyMs)
}

// UpdateQueueCapacity sets the configured queue capacity gauge.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueSize sets the queued-units gauge.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueUtilization sets the queue fill ratio gauge.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue counts an accepted enqueue.
func RecordQueueEnqueue() {
	globalManager.queueEnqueues.Inc()
}

// RecordQueueDequeue counts a unit handed to a worker.
func RecordQueueDequeue() {
	globalManager.queueDequeues.Inc()
}

// RecordQueueEnqueueError counts a rejected enqueue.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency observes enqueue latency in milliseconds.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// UpdateWorkerActiveCount sets the running-workers gauge.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// UpdateWorkerIdleCount sets the idle-workers gauge.
func UpdateWorkerIdleCount(count int) {
	globalManager.workerIdleCount.Set(float64(count))
}

// UpdateWorkerMessagesPerSecond sets the pool throughput gauge.
func UpdateWorkerMessagesPerSecond(rate float64) {
	globalManager.workerMessagesPerSecond.Set(rate)
}

// RecordWorkerProcessingLatency observes per-unit latency in milliseconds.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError counts a failed unit.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordErrorByComponent counts an error by component and kind.
func RecordErrorByComponent(component, kind string) {
	globalManager.errorsByComponent.WithLabelValues(component, kind).Inc()
}

// GetRegistry returns the registry backing the global manager, for the
// metrics HTTP handler.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
