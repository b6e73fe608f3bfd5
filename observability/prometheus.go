package observability

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}

// PrometheusObserver exposes records as Prometheus collectors.
type PrometheusObserver struct {
	published      *prometheus.CounterVec
	publishLatency *prometheus.HistogramVec
	publishRetries *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	consumeLatency *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
}

// NewPrometheusObserver creates and registers the collectors on reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	o := &PrometheusObserver{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagabus_publish_total",
			Help: "Total number of publish calls by outcome",
		}, []string{"event_type", "success"}),

		publishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagabus_publish_duration_seconds",
			Help:    "Publish latency including retries in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type"}),

		publishRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagabus_publish_retries_total",
			Help: "Total number of publish attempts beyond the first",
		}, []string{"event_type"}),

		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagabus_consume_total",
			Help: "Total number of handler invocations by outcome",
		}, []string{"event_type", "handler_id", "outcome", "duplicate"}),

		consumeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagabus_consume_duration_seconds",
			Help:    "Handler latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type", "handler_id"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sagabus_saga_transitions_total",
			Help: "Total number of saga state transitions",
		}, []string{"saga", "from", "to"}),
	}

	reg.MustRegister(
		o.published,
		o.publishLatency,
		o.publishRetries,
		o.consumed,
		o.consumeLatency,
		o.transitions,
	)

	return o
}

func (o *PrometheusObserver) Published(_ context.Context, r bus.PublishRecord) {
	o.published.WithLabelValues(r.EventType.String(), "true").Inc()
	o.publishLatency.WithLabelValues(r.EventType.String()).Observe(r.Latency.Seconds())
	if r.Attempts > 1 {
		o.publishRetries.WithLabelValues(r.EventType.String()).Add(float64(r.Attempts - 1))
	}
}

func (o *PrometheusObserver) PublishFailed(_ context.Context, r bus.PublishRecord) {
	o.published.WithLabelValues(r.EventType.String(), "false").Inc()
	if r.Attempts > 1 {
		o.publishRetries.WithLabelValues(r.EventType.String()).Add(float64(r.Attempts - 1))
	}
}

func (o *PrometheusObserver) Consumed(_ context.Context, r bus.ConsumeRecord) {
	o.consumed.WithLabelValues(
		r.EventType.String(), r.HandlerID, r.Outcome.String(), strconv.FormatBool(r.Duplicate),
	).Inc()
	o.consumeLatency.WithLabelValues(r.EventType.String(), r.HandlerID).Observe(r.Latency.Seconds())
}

func (o *PrometheusObserver) SagaTransition(_ context.Context, r bus.SagaTransitionRecord) {
	o.transitions.WithLabelValues(r.Saga, r.From, r.To).Inc()
}

// Collectors exposes the underlying vectors, e.g. for tests or custom registries.
type Collectors struct {
	Published      *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec
	PublishRetries *prometheus.CounterVec
	Consumed       *prometheus.CounterVec
	ConsumeLatency *prometheus.HistogramVec
	Transitions    *prometheus.CounterVec
}

func (o *PrometheusObserver) Collectors() Collectors {
	return Collectors{
		Published:      o.published,
		PublishLatency: o.publishLatency,
		PublishRetries: o.publishRetries,
		Consumed:       o.consumed,
		ConsumeLatency: o.consumeLatency,
		Transitions:    o.transitions,
	}
}
