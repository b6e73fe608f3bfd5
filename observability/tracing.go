package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// TracePropagator carries W3C trace context and baggage in message headers.
// It implements bus.HeaderPropagator.
type TracePropagator struct {
	p propagation.TextMapPropagator
}

// NewTracePropagator uses p, or W3C TraceContext plus Baggage when p is nil.
func NewTracePropagator(p propagation.TextMapPropagator) TracePropagator {
	if p == nil {
		p = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	}
	return TracePropagator{p: p}
}

func (t TracePropagator) Inject(ctx context.Context, headers map[string]string) {
	t.p.Inject(ctx, propagation.MapCarrier(headers))
}

func (t TracePropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	return t.p.Extract(ctx, propagation.MapCarrier(headers))
}

// StartHandlerSpan starts a consumer span for one handler invocation using the global
// tracer provider.
func StartHandlerSpan(ctx context.Context, handlerID string, env bus.Envelope) (context.Context, trace.Span) {
	return otel.Tracer(InstrumentationName).Start(ctx, "handle "+env.Type.String(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.ID.String()),
			attribute.String("messaging.message.conversation_id", env.CorrelationID.String()),
			attribute.String("sagabus.event_type", env.Type.String()),
			attribute.String("sagabus.handler_id", handlerID),
		),
	)
}

// EndHandlerSpan records the handler result on span and ends it.
func EndHandlerSpan(span trace.Span, res bus.Result) {
	span.SetAttributes(attribute.String("sagabus.outcome", res.Outcome.String()))
	switch {
	case res.Outcome == bus.OutcomeFail:
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		} else {
			span.SetStatus(codes.Error, "handler failed")
		}
	case res.Err != nil:
		span.RecordError(res.Err)
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
