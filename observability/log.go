package observability

import (
	"context"
	"log/slog"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// LogObserver writes every record to a structured logger.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver returns an observer logging through l; nil uses slog.Default().
func NewLogObserver(l *slog.Logger) *LogObserver {
	if l == nil {
		l = slog.Default()
	}
	return &LogObserver{logger: l}
}

func (o *LogObserver) Published(ctx context.Context, r bus.PublishRecord) {
	o.logger.DebugContext(ctx, "envelope published",
		slog.String("event_type", r.EventType.String()),
		slog.String("correlation_id", r.CorrelationID.String()),
		slog.String("topic", r.Topic),
		slog.Int("attempts", r.Attempts),
		slog.Duration("latency", r.Latency),
	)
}

func (o *LogObserver) PublishFailed(ctx context.Context, r bus.PublishRecord) {
	o.logger.WarnContext(ctx, "envelope publish failed",
		slog.String("event_type", r.EventType.String()),
		slog.String("correlation_id", r.CorrelationID.String()),
		slog.String("topic", r.Topic),
		slog.Int("attempts", r.Attempts),
		slog.Any("err", r.Err),
	)
}

func (o *LogObserver) Consumed(ctx context.Context, r bus.ConsumeRecord) {
	level := slog.LevelDebug
	if r.Outcome != bus.OutcomeAck {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_type", r.EventType.String()),
		slog.String("correlation_id", r.CorrelationID.String()),
		slog.String("handler_id", r.HandlerID),
		slog.String("outcome", r.Outcome.String()),
		slog.Bool("duplicate", r.Duplicate),
		slog.Int("attempt", r.Attempt),
		slog.Duration("latency", r.Latency),
	}
	if r.Err != nil {
		attrs = append(attrs, slog.Any("err", r.Err))
	}

	o.logger.LogAttrs(ctx, level, "envelope consumed", attrs...)
}

func (o *LogObserver) SagaTransition(ctx context.Context, r bus.SagaTransitionRecord) {
	o.logger.InfoContext(ctx, "saga transition",
		slog.String("saga", r.Saga),
		slog.String("correlation_id", r.CorrelationID.String()),
		slog.String("from", r.From),
		slog.String("to", r.To),
		slog.Int("step", r.Step),
		slog.String("reason", r.Reason),
	)
}
