package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// LogMiddleware logs every handler invocation with its duration.
func LogMiddleware(l *slog.Logger, attrs ...any) bus.HandlerMiddleware {
	if l == nil {
		l = slog.Default()
	}

	return func(handlerID string, next bus.Handler) bus.Handler {
		log := l.With(attrs...).With(slog.String("handler_id", handlerID))

		return bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) bus.Result {
			handleAt := time.Now()

			res := next.Handle(ctx, env)
			if res.Outcome == bus.OutcomeAck {
				log.DebugContext(ctx, "handled",
					slog.String("event_type", env.Type.String()),
					slog.Duration("duration", time.Since(handleAt)),
				)
			} else {
				log.WarnContext(ctx, "not handled",
					slog.String("event_type", env.Type.String()),
					slog.String("outcome", res.Outcome.String()),
					slog.Any("err", res.Err),
					slog.Duration("duration", time.Since(handleAt)),
				)
			}

			return res
		})
	}
}
