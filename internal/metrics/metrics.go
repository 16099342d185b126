package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationGet records result cache lookups.
	CacheOperationGet CacheOperation = "get"
	// CacheOperationSet records result cache store attempts.
	CacheOperationSet CacheOperation = "set"
)

// CacheResult captures the outcome of a cache operation.
type CacheResult string

const (
	// CacheResultHit indicates the lookup reused a cached result.
	CacheResultHit CacheResult = "hit"
	// CacheResultMiss indicates no cached result was present.
	CacheResultMiss CacheResult = "miss"
	// CacheResultStored indicates the entry was admitted.
	CacheResultStored CacheResult = "stored"
	// CacheResultOversized indicates the payload exceeded the single-item ceiling.
	CacheResultOversized CacheResult = "oversized"
)

// Recorder publishes Prometheus metrics for orchestration activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	operations        *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	cacheOperations   *prometheus.CounterVec
	cacheMemoryBytes  prometheus.Gauge
	cacheEntries      prometheus.Gauge
	cacheEvictions    prometheus.Counter
	admissions        *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	schedulerUsage    prometheus.Gauge
	schedulerReclaims prometheus.Counter
	schedulerBatches  prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aicore",
		Subsystem: "operations",
		Name:      "requests_total",
		Help:      "AI operations processed by the orchestrator.",
	}, []string{"type", "outcome", "from_cache"})

	operationLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aicore",
		Subsystem: "operations",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed AI operations.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"type", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aicore",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Result cache operations executed by the orchestrator.",
	}, []string{"operation", "result"})

	cacheMemoryBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aicore",
		Subsystem: "cache",
		Name:      "memory_bytes",
		Help:      "Serialized bytes currently held by the result cache.",
	})

	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aicore",
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries currently held by the result cache.",
	})

	cacheEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aicore",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by usage-ranked eviction.",
	})

	admissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aicore",
		Subsystem: "admission",
		Name:      "admitted_total",
		Help:      "Queued work admitted per downstream service.",
	}, []string{"service", "outcome"})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aicore",
		Subsystem: "admission",
		Name:      "queue_depth",
		Help:      "Pending queued work by priority tier.",
	}, []string{"priority"})

	schedulerUsage := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aicore",
		Subsystem: "scheduler",
		Name:      "memory_usage_ratio",
		Help:      "Observed memory usage as a fraction of the configured ceiling.",
	})

	schedulerReclaims := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aicore",
		Subsystem: "scheduler",
		Name:      "reclaims_total",
		Help:      "Reclaim actions triggered by memory pressure.",
	})

	schedulerBatches := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aicore",
		Subsystem: "scheduler",
		Name:      "batches_total",
		Help:      "Batches dispatched by the memory scheduler.",
	})

	reg.MustRegister(
		operations, operationLatency, cacheOperations, cacheMemoryBytes,
		cacheEntries, cacheEvictions, admissions, queueDepth,
		schedulerUsage, schedulerReclaims, schedulerBatches,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		operations:        operations,
		operationLatency:  operationLatency,
		cacheOperations:   cacheOperations,
		cacheMemoryBytes:  cacheMemoryBytes,
		cacheEntries:      cacheEntries,
		cacheEvictions:    cacheEvictions,
		admissions:        admissions,
		queueDepth:        queueDepth,
		schedulerUsage:    schedulerUsage,
		schedulerReclaims: schedulerReclaims,
		schedulerBatches:  schedulerBatches,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer exposes the underlying registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return nil
	}
	return r.gatherer
}

// ObserveOperation records one completed orchestrator operation.
func (r *Recorder) ObserveOperation(opType, outcome string, fromCache bool, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(opType, outcome, strconv.FormatBool(fromCache)).Inc()
	r.operationLatency.WithLabelValues(opType, outcome).Observe(elapsed.Seconds())
}

// ObserveCache records one result cache operation.
func (r *Recorder) ObserveCache(op CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(string(op), string(result)).Inc()
}

// SetCacheUsage publishes the cache's current footprint.
func (r *Recorder) SetCacheUsage(memoryBytes int64, entries int) {
	if r == nil {
		return
	}
	r.cacheMemoryBytes.Set(float64(memoryBytes))
	r.cacheEntries.Set(float64(entries))
}

// AddEvictions counts entries removed by usage-ranked eviction.
func (r *Recorder) AddEvictions(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cacheEvictions.Add(float64(n))
}

// ObserveAdmission records one admitted unit of work and its outcome.
func (r *Recorder) ObserveAdmission(service, outcome string) {
	if r == nil {
		return
	}
	r.admissions.WithLabelValues(service, outcome).Inc()
}

// SetQueueDepth publishes the pending depth for one priority tier.
func (r *Recorder) SetQueueDepth(priority string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetMemoryUsage publishes the scheduler's observed usage fraction.
func (r *Recorder) SetMemoryUsage(fraction float64) {
	if r == nil {
		return
	}
	r.schedulerUsage.Set(fraction)
}

// ObserveReclaim counts a reclaim action triggered by memory pressure.
func (r *Recorder) ObserveReclaim() {
	if r == nil {
		return
	}
	r.schedulerReclaims.Inc()
}

// ObserveBatch counts a dispatched scheduler batch.
func (r *Recorder) ObserveBatch() {
	if r == nil {
		return
	}
	r.schedulerBatches.Inc()
}
