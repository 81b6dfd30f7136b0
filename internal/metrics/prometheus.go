package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for kernel-engine metrics
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	kernelsCreated    *prometheus.CounterVec
	kernelsDestroyed  *prometheus.CounterVec
	kernelsRestarted  prometheus.Counter
	executionsTotal   *prometheus.CounterVec
	interruptsTotal   prometheus.Counter
	stallsTotal       prometheus.Counter
	forcedTerminated  prometheus.Counter
	evictionsTotal    prometheus.Counter
	backpressureDrops prometheus.Counter
	poolHitsTotal     prometheus.Counter
	poolMissesTotal   prometheus.Counter

	// Histograms
	executionDuration *prometheus.HistogramVec
	createDuration    *prometheus.HistogramVec

	// Gauges
	uptime        prometheus.GaugeFunc
	activeKernels prometheus.Gauge
	ongoingExecs  prometheus.Gauge
	poolAvailable *prometheus.GaugeVec
}

// Default histogram buckets for execution duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		kernelsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernels_created_total",
				Help:      "Total kernels created",
			},
			[]string{"mode", "language", "from_pool"},
		),

		kernelsDestroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernels_destroyed_total",
				Help:      "Total kernels destroyed",
			},
			[]string{"reason"},
		),

		kernelsRestarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kernels_restarted_total",
				Help:      "Total kernel restarts",
			},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total code executions",
			},
			[]string{"mode", "language", "status"},
		),

		interruptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "interrupts_total",
				Help:      "Total interrupt signals written",
			},
		),

		stallsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_stalls_total",
				Help:      "Total execution stall alarms fired",
			},
		),

		forcedTerminated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_terminations_total",
				Help:      "Total kernels force-terminated by callers",
			},
		),

		evictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inactivity_evictions_total",
				Help:      "Total kernels destroyed by the inactivity timer",
			},
		),

		backpressureDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_dropped_events_total",
				Help:      "Total stream events dropped by slow consumers",
			},
		),

		poolHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_hits_total",
				Help:      "Total allocations served from the warm pool",
			},
		),

		poolMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_misses_total",
				Help:      "Total allocations that fell back to cold start",
			},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_milliseconds",
				Help:      "Duration of code executions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"mode", "language"},
		),

		createDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kernel_create_duration_milliseconds",
				Help:      "Duration of kernel creation in milliseconds",
				Buckets:   []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
			},
			[]string{"mode", "language", "from_pool"},
		),

		activeKernels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_kernels",
				Help:      "Number of live kernels",
			},
		),

		ongoingExecs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ongoing_executions",
				Help:      "Number of currently running executions",
			},
		),

		poolAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_available",
				Help:      "Idle pre-warmed kernels per (mode, language)",
			},
			[]string{"mode", "language"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the kernel-engine daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.kernelsCreated,
		pm.kernelsDestroyed,
		pm.kernelsRestarted,
		pm.executionsTotal,
		pm.interruptsTotal,
		pm.stallsTotal,
		pm.forcedTerminated,
		pm.evictionsTotal,
		pm.backpressureDrops,
		pm.poolHitsTotal,
		pm.poolMissesTotal,
		pm.executionDuration,
		pm.createDuration,
		pm.uptime,
		pm.activeKernels,
		pm.ongoingExecs,
		pm.poolAvailable,
	)

	promMetrics = pm
}

// RecordKernelCreated records a kernel creation
func RecordKernelCreated(mode, language string, fromPool bool, durationMs int64) {
	Global().KernelsCreated.Add(1)
	if fromPool {
		Global().PoolHits.Add(1)
	} else {
		Global().PoolMisses.Add(1)
	}
	if promMetrics == nil {
		return
	}
	poolLabel := "false"
	if fromPool {
		poolLabel = "true"
	}
	promMetrics.kernelsCreated.WithLabelValues(mode, language, poolLabel).Inc()
	promMetrics.createDuration.WithLabelValues(mode, language, poolLabel).Observe(float64(durationMs))
	if fromPool {
		promMetrics.poolHitsTotal.Inc()
	} else {
		promMetrics.poolMissesTotal.Inc()
	}
}

// RecordKernelDestroyed records a kernel teardown with its reason
// ("caller", "eviction", "forced", "restart", "shutdown").
func RecordKernelDestroyed(reason string) {
	Global().KernelsDestroyed.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.kernelsDestroyed.WithLabelValues(reason).Inc()
	if reason == "eviction" {
		promMetrics.evictionsTotal.Inc()
	}
	if reason == "forced" {
		promMetrics.forcedTerminated.Inc()
	}
}

// RecordKernelRestarted records a kernel restart
func RecordKernelRestarted() {
	if promMetrics == nil {
		return
	}
	promMetrics.kernelsRestarted.Inc()
}

// RecordExecution records a finished execution
func RecordExecution(mode, language string, durationMs int64, success bool) {
	Global().RecordExecution(durationMs, success)
	if promMetrics == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	promMetrics.executionsTotal.WithLabelValues(mode, language, status).Inc()
	promMetrics.executionDuration.WithLabelValues(mode, language).Observe(float64(durationMs))
}

// RecordInterrupt records one interrupt signal
func RecordInterrupt() {
	Global().Interrupts.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.interruptsTotal.Inc()
}

// RecordStall records one execution stall alarm
func RecordStall() {
	Global().Stalls.Add(1)
	if promMetrics == nil {
		return
	}
	promMetrics.stallsTotal.Inc()
}

// RecordBackpressureDrop records dropped stream events
func RecordBackpressureDrop(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.backpressureDrops.Add(float64(count))
}

// SetActiveKernels sets the live-kernel gauge
func SetActiveKernels(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activeKernels.Set(float64(count))
}

// SetOngoingExecutions sets the in-flight execution gauge
func SetOngoingExecutions(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.ongoingExecs.Set(float64(count))
}

// SetPoolAvailable sets the idle pool gauge for a (mode, language) key
func SetPoolAvailable(mode, language string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolAvailable.WithLabelValues(mode, language).Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for metrics scraping
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors)
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
