package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "customlambda"

// Metrics holds the Prometheus collectors for one service instance.
type Metrics struct {
	Registry *prometheus.Registry

	invocations  *prometheus.CounterVec
	invokeTime   *prometheus.HistogramVec
	peakMemory   prometheus.Histogram
	inFlight     prometheus.Gauge
	storeOps     *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors on a fresh registry.
// withRuntime adds the Go runtime and process collectors.
func NewMetrics(withRuntime bool) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "invocations",
				Name:      "total",
				Help:      "Total number of function invocations by status.",
			},
			[]string{"status"},
		),
		invokeTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "invocations",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of function invocations.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5min
			},
			[]string{"status"},
		),
		peakMemory: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "invocations",
				Name:      "peak_memory_delta_bytes",
				Help:      "Peak resident memory growth of invocation units.",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 11), // 1MiB to 1GiB
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "invocations",
				Name:      "in_flight",
				Help:      "Invocations currently running.",
			},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Store operations by kind and outcome.",
			},
			[]string{"op", "outcome"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "failures_total",
				Help:      "Rejected author credentials by reason.",
			},
			[]string{"reason"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method", "route"},
		),
	}
	m.Registry.MustRegister(
		m.invocations, m.invokeTime, m.peakMemory, m.inFlight,
		m.storeOps, m.authFailures, m.httpRequests, m.httpDuration,
	)
	if withRuntime {
		m.Registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InvocationStarted increments the in-flight gauge and returns the matching
// decrement.
func (m *Metrics) InvocationStarted() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// ObserveInvocation records one finished invocation.
func (m *Metrics) ObserveInvocation(status string, elapsed time.Duration, peakMemoryDelta int64) {
	m.invocations.WithLabelValues(status).Inc()
	m.invokeTime.WithLabelValues(status).Observe(elapsed.Seconds())
	if peakMemoryDelta > 0 {
		m.peakMemory.Observe(float64(peakMemoryDelta))
	}
}

// StoreOp records a store operation outcome ("ok", "not_found", ...).
func (m *Metrics) StoreOp(op, outcome string) {
	m.storeOps.WithLabelValues(op, outcome).Inc()
}

// AuthFailure records a rejected credential.
func (m *Metrics) AuthFailure(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// ObserveHTTP records one HTTP request against its route pattern.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
