// Package metrics provides Prometheus metrics for the dropspot admission service.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// latencyBucketsMs covers sub-millisecond in-memory calls up to slow SQL round trips.
var latencyBucketsMs = []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000} //nolint:gochecknoglobals // bucket layout

// Manager manages all Prometheus metrics for the dropspot service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Admission outcomes
	joins          *prometheus.CounterVec
	leaves         *prometheus.CounterVec
	claims         *prometheus.CounterVec
	joinConflicts  prometheus.Counter
	scoreValue     prometheus.Histogram
	claimLatency   prometheus.Histogram
	claimPosition  prometheus.Histogram
	activeEntries  *prometheus.GaugeVec
	claimedEntries *prometheus.GaugeVec

	// Store and serialization
	storeLatency     *prometheus.HistogramVec
	serializerWait   *prometheus.HistogramVec
	claimQueueSize   prometheus.Gauge
	claimQueueErrors prometheus.Counter
	workerCount      prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimited         prometheus.Counter

	// Errors
	errorRateByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "dropspot",
		subsystem:        "admission",
		histogramBuckets: latencyBucketsMs,
		enabled:          true,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix != "" {
		return m.metricPrefix + "_" + n
	}
	return n
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.customLabels)

	m.joins = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("joins_total"),
		Help: "Join requests by outcome (created, rejoined, idempotent, or an error kind)",
	}, []string{"outcome"})

	m.leaves = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("leaves_total"),
		Help: "Leave requests by outcome",
	}, []string{"outcome"})

	m.claims = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("claims_total"),
		Help: "Claim requests by outcome (claimed, replayed, or an error kind)",
	}, []string{"outcome"})

	m.joinConflicts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("join_conflicts_total"),
		Help: "Entry creations that lost a uniqueness race and recovered",
	})

	m.scoreValue = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("priority_score"),
		Help:    "Distribution of computed priority scores",
		Buckets: prometheus.LinearBuckets(0, 25, 12),
	})

	m.claimLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("claim_latency_milliseconds"),
		Help:    "End-to-end claim evaluation latency in milliseconds",
		Buckets: m.histogramBuckets,
	})

	m.claimPosition = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name:    m.name("claim_position"),
		Help:    "Admission position observed by claim calls",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	m.activeEntries = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("ranked_entries"),
		Help: "Entries currently holding a place in the admission ordering",
	}, []string{"resource"})

	m.claimedEntries = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, ConstLabels: labels,
		Name: m.name("claimed_entries"),
		Help: "Entries currently in claimed state",
	}, []string{"resource"})

	m.storeLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "store", ConstLabels: labels,
		Name:    m.name("latency_milliseconds"),
		Help:    "Entry store call latency in milliseconds",
		Buckets: m.histogramBuckets,
	}, []string{"op"})

	m.serializerWait = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "serializer", ConstLabels: labels,
		Name:    m.name("wait_milliseconds"),
		Help:    "Time spent waiting for exclusive access to a resource",
		Buckets: m.histogramBuckets,
	}, []string{"mode"})

	m.claimQueueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "serializer", ConstLabels: labels,
		Name: m.name("queue_size"),
		Help: "Claim jobs waiting in single-writer queues",
	})

	m.claimQueueErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "serializer", ConstLabels: labels,
		Name: m.name("queue_rejections_total"),
		Help: "Claim jobs rejected because a queue was full or closed",
	})

	m.workerCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "serializer", ConstLabels: labels,
		Name: m.name("workers"),
		Help: "Single-writer workers serving claim queues",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "http", ConstLabels: labels,
		Name: m.name("requests_total"),
		Help: "HTTP requests by endpoint, method and status",
	}, []string{"endpoint", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "http", ConstLabels: labels,
		Name:    m.name("request_duration_milliseconds"),
		Help:    "HTTP request duration in milliseconds",
		Buckets: m.histogramBuckets,
	}, []string{"endpoint", "method", "status_code"})

	m.rateLimited = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "http", ConstLabels: labels,
		Name: m.name("rate_limited_total"),
		Help: "Requests rejected by the per-participant rate limiter",
	})

	m.errorRateByComponent = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "errors", ConstLabels: labels,
		Name: m.name("by_component_total"),
		Help: "Errors by component and type",
	}, []string{"component", "error_type"})

	m.systemMemoryUsage = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "system", ConstLabels: labels,
		Name: m.name("memory_bytes"),
		Help: "Allocated heap memory in bytes",
	})

	m.systemGoroutineCount = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "system", ConstLabels: labels,
		Name: m.name("goroutines"),
		Help: "Number of goroutines",
	})
}

// RecordJoin counts a join outcome.
func RecordJoin(outcome string) {
	if globalManager.enabled {
		globalManager.joins.WithLabelValues(outcome).Inc()
	}
}

// RecordLeave counts a leave outcome.
func RecordLeave(outcome string) {
	if globalManager.enabled {
		globalManager.leaves.WithLabelValues(outcome).Inc()
	}
}

// RecordClaim counts a claim outcome.
func RecordClaim(outcome string) {
	if globalManager.enabled {
		globalManager.claims.WithLabelValues(outcome).Inc()
	}
}

// RecordJoinConflict counts a recovered create race.
func RecordJoinConflict() {
	if globalManager.enabled {
		globalManager.joinConflicts.Inc()
	}
}

// RecordScore observes a computed priority score.
func RecordScore(score float64) {
	if globalManager.enabled {
		globalManager.scoreValue.Observe(score)
	}
}

// RecordClaimLatency observes claim latency in milliseconds.
func RecordClaimLatency(latencyMs float64) {
	if globalManager.enabled {
		globalManager.claimLatency.Observe(latencyMs)
	}
}

// RecordClaimPosition observes the position a claim call saw.
func RecordClaimPosition(position int) {
	if globalManager.enabled && position > 0 {
		globalManager.claimPosition.Observe(float64(position))
	}
}

// UpdateResourceEntries sets the ranked and claimed gauges for a resource.
func UpdateResourceEntries(resourceID string, ranked, claimed int) {
	if globalManager.enabled {
		globalManager.activeEntries.WithLabelValues(resourceID).Set(float64(ranked))
		globalManager.claimedEntries.WithLabelValues(resourceID).Set(float64(claimed))
	}
}

// RecordStoreLatency observes an entry store call latency in milliseconds.
func RecordStoreLatency(op string, latencyMs float64) {
	if globalManager.enabled {
		globalManager.storeLatency.WithLabelValues(op).Observe(latencyMs)
	}
}

// RecordSerializerWait observes time spent acquiring exclusive access.
func RecordSerializerWait(mode string, waitMs float64) {
	if globalManager.enabled {
		globalManager.serializerWait.WithLabelValues(mode).Observe(waitMs)
	}
}

// UpdateClaimQueueSize sets the number of queued claim jobs.
func UpdateClaimQueueSize(size int) {
	if globalManager.enabled {
		globalManager.claimQueueSize.Set(float64(size))
	}
}

// RecordClaimQueueRejection counts a claim job that could not be queued.
func RecordClaimQueueRejection() {
	if globalManager.enabled {
		globalManager.claimQueueErrors.Inc()
	}
}

// UpdateWorkerCount sets the number of serializer workers.
func UpdateWorkerCount(count int) {
	if globalManager.enabled {
		globalManager.workerCount.Set(float64(count))
	}
}

// RecordHTTPRequest counts an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

// RecordHTTPRequestDuration observes HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if globalManager.enabled {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordRateLimited counts a request rejected by the rate limiter.
func RecordRateLimited() {
	if globalManager.enabled {
		globalManager.rateLimited.Inc()
	}
}

// RecordErrorByComponent counts an error for a component.
func RecordErrorByComponent(component, errorType string) {
	if globalManager.enabled {
		globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
	}
}

// UpdateSystemMemoryUsage sets allocated heap bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if globalManager.enabled {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

// UpdateSystemGoroutineCount sets the goroutine gauge.
func UpdateSystemGoroutineCount(count int) {
	if globalManager.enabled {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

// SinceMs returns the milliseconds elapsed since start with sub-millisecond precision.
func SinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// GetRegistry returns the registry the global manager writes to.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// Families gathers the global registry and returns the number of series per
// metric family name.
func Families() (map[string]int, error) {
	mfs, err := customRegistry.Gather()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGather, err)
	}
	out := make(map[string]int, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = len(mf.GetMetric())
	}
	return out, nil
}
