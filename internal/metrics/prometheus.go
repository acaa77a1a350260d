package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	endpointDuration      prometheus.Histogram
	retriesScheduledTotal *prometheus.CounterVec
	rateLimitDenialsTotal prometheus.Counter
	eventsInFlight        prometheus.Gauge
	webhooksMatched       prometheus.Histogram

	// EventBus metrics
	bufferSize      prometheus.Gauge
	emitErrorsTotal prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthooks_dispatcher_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthooks_dispatcher_delivery_outcomes_total",
		Help: "Total number of terminal delivery outcomes per chain.",
	}, []string{"outcome"})

	s.endpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agenthooks_dispatcher_endpoint_duration_seconds",
		Help:    "Webhook endpoint request latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retriesScheduledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agenthooks_dispatcher_retries_scheduled_total",
		Help: "Total number of retries scheduled, by reason.",
	}, []string{"reason"})

	s.rateLimitDenialsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenthooks_dispatcher_rate_limit_denials_total",
		Help: "Total number of dispatches denied by the per-webhook rate limiter.",
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agenthooks_dispatcher_events_in_flight",
		Help: "Number of events currently being dispatched.",
	})

	s.webhooksMatched = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "agenthooks_dispatcher_webhooks_matched",
		Help:    "Number of webhooks matched per event.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
	})

	s.register(reg, s.deliveryAttemptsTotal, "agenthooks_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "agenthooks_dispatcher_delivery_outcomes_total")
	s.register(reg, s.endpointDuration, "agenthooks_dispatcher_endpoint_duration_seconds")
	s.register(reg, s.retriesScheduledTotal, "agenthooks_dispatcher_retries_scheduled_total")
	s.register(reg, s.rateLimitDenialsTotal, "agenthooks_dispatcher_rate_limit_denials_total")
	s.register(reg, s.eventsInFlight, "agenthooks_dispatcher_events_in_flight")
	s.register(reg, s.webhooksMatched, "agenthooks_dispatcher_webhooks_matched")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agenthooks_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agenthooks_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "agenthooks_eventbus_buffer_size")
	s.register(reg, s.emitErrorsTotal, "agenthooks_eventbus_emit_errors_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.endpointDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled(reason string) {
	s.retriesScheduledTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) RateLimitDenied() {
	s.rateLimitDenialsTotal.Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) WebhooksMatched(count int) {
	s.webhooksMatched.Observe(float64(count))
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

var _ Sink = (*PrometheusSink)(nil)
