package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_requests_total",
			Help: "Total number of generation requests handled",
		},
		[]string{"workflow", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imai_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	// Normalization metrics
	MediaNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_media_normalized_total",
			Help: "Total media inputs normalized, by source kind and status",
		},
		[]string{"source_kind", "status"},
	)

	MediaReencoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_media_reencoded_total",
			Help: "Total media inputs re-encoded to the canonical format",
		},
	)

	MediaBytesIn = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imai_media_bytes_in",
			Help:    "Size in bytes of incoming media payloads",
			Buckets: []float64{1 << 12, 1 << 16, 1 << 20, 1 << 22, 1 << 24, 1 << 25},
		},
	)

	// Reference resolution metrics
	ReferenceResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_reference_resolutions_total",
			Help: "Total reference resolution attempts, by outcome",
		},
		[]string{"outcome"},
	)

	ReferenceHops = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imai_reference_hops",
			Help:    "Number of back-reference hops walked per resolution",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
		},
	)

	// Classification metrics
	ClassifierDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_classifier_decisions_total",
			Help: "Total classifier decisions, by path (heuristic/semantic/fallback)",
		},
		[]string{"path", "operation"},
	)

	SemanticLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imai_semantic_classify_latency_seconds",
			Help:    "Semantic classifier call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SemanticRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_semantic_repairs_total",
			Help: "Total repair-and-reparse attempts on malformed classifier output",
		},
	)

	SemanticFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_semantic_fallbacks_total",
			Help: "Total falls back to the heuristic candidate",
		},
	)

	// Step execution metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_steps_executed_total",
			Help: "Total plan steps executed, by operation and status",
		},
		[]string{"operation", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imai_step_duration_seconds",
			Help:    "Single step execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ChainsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_chains_aborted_total",
			Help: "Total multi-step chains aborted on a failed step",
		},
	)

	PersistPassThroughs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_persist_passthrough_total",
			Help: "Total step artifacts passed through unpersisted after a persistence timeout",
		},
	)

	// Backend metrics
	BackendInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_backend_invocations_total",
			Help: "Total backend invocations, by operation, method and status",
		},
		[]string{"operation", "method", "status"},
	)

	BackendFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_backend_fallbacks_total",
			Help: "Total primary-to-fallback backend switches",
		},
		[]string{"operation"},
	)

	// Storage metrics
	StorageOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_storage_ops_total",
			Help: "Total object storage operations, by op and status",
		},
		[]string{"op", "status"},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imai_storage_latency_seconds",
			Help:    "Object storage operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// History store metrics
	HistoryReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_history_reads_total",
			Help: "Total conversation history reads, by status",
		},
		[]string{"status"},
	)

	HistoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_history_cache_hits_total",
			Help: "Total conversation history local cache hits",
		},
	)

	HistoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imai_history_cache_misses_total",
			Help: "Total conversation history local cache misses",
		},
	)

	// Audit persistence metrics
	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imai_audit_writes_total",
			Help: "Total audit rows written, by status",
		},
		[]string{"status"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imai_audit_queue_depth",
			Help: "Current depth of the async audit write queue",
		},
	)
)

// RecordRequest records metrics for one completed request.
func RecordRequest(workflow, status string, durationSeconds float64) {
	RequestsTotal.WithLabelValues(workflow, status).Inc()
	RequestDuration.WithLabelValues(workflow).Observe(durationSeconds)
}

// RecordStep records metrics for one executed step.
func RecordStep(operation, status string, durationSeconds float64) {
	StepsExecuted.WithLabelValues(operation, status).Inc()
	StepDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordBackend records metrics for one backend invocation.
func RecordBackend(operation, method, status string) {
	BackendInvocations.WithLabelValues(operation, method, status).Inc()
}

// RecordStorage records metrics for one storage operation.
func RecordStorage(op, status string, durationSeconds float64) {
	StorageOps.WithLabelValues(op, status).Inc()
	if durationSeconds > 0 {
		StorageLatency.WithLabelValues(op).Observe(durationSeconds)
	}
}
