package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// InstrumentationName names the meter and tracer of this module.
const InstrumentationName = "github.com/next-trace/scg-saga-bus"

// OTelObserver records metrics through an OpenTelemetry meter.
type OTelObserver struct {
	published      metric.Int64Counter
	publishFailed  metric.Int64Counter
	publishLatency metric.Float64Histogram
	publishRetries metric.Int64Counter
	consumed       metric.Int64Counter
	consumeLatency metric.Float64Histogram
	transitions    metric.Int64Counter
}

// NewOTelObserver creates the instruments on meter; nil uses the global meter provider.
func NewOTelObserver(meter metric.Meter) (*OTelObserver, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	o := &OTelObserver{}
	var err error

	if o.published, err = meter.Int64Counter("sagabus.publish.count",
		metric.WithDescription("Envelopes handed to the transport"),
	); err != nil {
		return nil, err
	}
	if o.publishFailed, err = meter.Int64Counter("sagabus.publish.failures",
		metric.WithDescription("Envelopes the publisher gave up on"),
	); err != nil {
		return nil, err
	}
	if o.publishLatency, err = meter.Float64Histogram("sagabus.publish.latency_ms",
		metric.WithDescription("Publish latency including retries in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if o.publishRetries, err = meter.Int64Counter("sagabus.publish.retries",
		metric.WithDescription("Publish attempts beyond the first"),
	); err != nil {
		return nil, err
	}
	if o.consumed, err = meter.Int64Counter("sagabus.consume.count",
		metric.WithDescription("Handler invocations by outcome"),
	); err != nil {
		return nil, err
	}
	if o.consumeLatency, err = meter.Float64Histogram("sagabus.consume.latency_ms",
		metric.WithDescription("Handler latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if o.transitions, err = meter.Int64Counter("sagabus.saga.transitions",
		metric.WithDescription("Saga state transitions"),
	); err != nil {
		return nil, err
	}

	return o, nil
}

func (o *OTelObserver) Published(ctx context.Context, r bus.PublishRecord) {
	attrs := metric.WithAttributes(attribute.String("event_type", r.EventType.String()))
	o.published.Add(ctx, 1, attrs)
	o.publishLatency.Record(ctx, float64(r.Latency.Microseconds())/1000, attrs)
	if r.Attempts > 1 {
		o.publishRetries.Add(ctx, int64(r.Attempts-1), attrs)
	}
}

func (o *OTelObserver) PublishFailed(ctx context.Context, r bus.PublishRecord) {
	attrs := metric.WithAttributes(attribute.String("event_type", r.EventType.String()))
	o.publishFailed.Add(ctx, 1, attrs)
	if r.Attempts > 1 {
		o.publishRetries.Add(ctx, int64(r.Attempts-1), attrs)
	}
}

func (o *OTelObserver) Consumed(ctx context.Context, r bus.ConsumeRecord) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", r.EventType.String()),
		attribute.String("handler_id", r.HandlerID),
		attribute.String("outcome", r.Outcome.String()),
		attribute.Bool("duplicate", r.Duplicate),
	)
	o.consumed.Add(ctx, 1, attrs)
	o.consumeLatency.Record(ctx, float64(r.Latency.Microseconds())/1000, attrs)
}

func (o *OTelObserver) SagaTransition(ctx context.Context, r bus.SagaTransitionRecord) {
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", r.Saga),
		attribute.String("from", r.From),
		attribute.String("to", r.To),
	))
}
