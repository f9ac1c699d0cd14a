package konduit

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// MetricsCollector provides Prometheus metrics for the request pipeline:
// request outcomes, retries, admission, breaker state and connectivity.
// All methods are no-ops on a nil collector, and it is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	queueDepth         *prometheus.GaugeVec
	admissionWait      *prometheus.HistogramVec
	rateLimitRemaining *prometheus.GaugeVec

	deduplicationHits *prometheus.CounterVec

	errorsTotal        *prometheus.CounterVec
	authInvalidations  prometheus.Counter
	connectivityOnline prometheus.Gauge

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konduit_requests_total",
				Help: "Total number of requests completed, by outcome code",
			},
			[]string{"method", "code"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "konduit_request_duration_seconds",
				Help:    "Duration of requests in seconds, including queueing and retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "code"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "konduit_requests_in_flight",
				Help: "Number of requests currently in flight",
			},
			[]string{"method"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konduit_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"attempt"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "konduit_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "konduit_admission_queue_depth",
				Help: "Number of tasks waiting for admission",
			},
			[]string{"key"},
		),
		admissionWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "konduit_admission_wait_seconds",
				Help:    "Time the admission gate held the head of a queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"key"},
		),
		rateLimitRemaining: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "konduit_rate_limit_remaining",
				Help: "Remaining requests advertised by the server",
			},
			[]string{"key"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konduit_deduplication_hits_total",
				Help: "Total number of requests served by an identical in-flight request",
			},
			[]string{"method"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "konduit_errors_total",
				Help: "Total number of failed requests, by error code",
			},
			[]string{"code", "method"},
		),
		authInvalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "konduit_auth_invalidations_total",
				Help: "Total number of credentials cleared after an auth failure",
			},
		),
		connectivityOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "konduit_connectivity_online",
				Help: "1 when the connectivity monitor reports online, 0 otherwise",
			},
		),
		registerer: registry,
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method string, code ErrorCode, duration time.Duration) {
	if mc == nil {
		return
	}

	label := string(code)
	if label == "" {
		label = "OK"
	}
	mc.requestsTotal.WithLabelValues(method, label).Inc()
	mc.requestDuration.WithLabelValues(method, label).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state gobreaker.State) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateOpen:
		stateValue = 1
	case gobreaker.StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordQueueDepth sets the number of tasks queued under key.
func (mc *MetricsCollector) RecordQueueDepth(key string, depth int) {
	if mc == nil {
		return
	}

	mc.queueDepth.WithLabelValues(key).Set(float64(depth))
}

// RecordAdmissionWait observes one admission delay.
func (mc *MetricsCollector) RecordAdmissionWait(key string, wait time.Duration) {
	if mc == nil {
		return
	}

	mc.admissionWait.WithLabelValues(key).Observe(wait.Seconds())
}

// RecordRateLimitRemaining sets the server-advertised remaining budget.
func (mc *MetricsCollector) RecordRateLimitRemaining(key string, remaining int) {
	if mc == nil {
		return
	}

	mc.rateLimitRemaining.WithLabelValues(key).Set(float64(remaining))
}

// RecordError increments error counter by code.
func (mc *MetricsCollector) RecordError(code ErrorCode, method string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(string(code), method).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(method string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(method).Inc()
}

// RecordAuthInvalidation counts a credential cleared after an auth failure.
func (mc *MetricsCollector) RecordAuthInvalidation() {
	if mc == nil {
		return
	}

	mc.authInvalidations.Inc()
}

// RecordConnectivity sets the online gauge.
func (mc *MetricsCollector) RecordConnectivity(online bool) {
	if mc == nil {
		return
	}

	if online {
		mc.connectivityOnline.Set(1)
	} else {
		mc.connectivityOnline.Set(0)
	}
}

// Registerer exposes the registerer the collector was built on.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	if mc == nil {
		return nil
	}
	return mc.registerer
}

// Gatherer returns the registerer as a Gatherer when it is one, for wiring a
// /metrics handler.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	if mc == nil {
		return nil
	}
	if g, ok := mc.registerer.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}
