package servicebus

import (
	"context"
	"errors"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/registry"
)

// EventHandler handles the decoded payload of one event type.
type EventHandler[P any] func(ctx context.Context, env bus.Envelope, payload P) error

// Outcome maps a handler error onto a dispatch result: nil acknowledges, permanent
// errors and handler failures fail the message, everything else is retried.
func Outcome(err error) bus.Result {
	switch {
	case err == nil:
		return bus.Ack()
	case errors.Is(err, berr.ErrPermanent), errors.Is(err, berr.ErrHandlerFailure), errors.Is(err, berr.ErrDecode):
		return bus.Fail(err)
	default:
		return bus.Retry(err)
	}
}

// On registers a handler whose payload is decoded into P. A payload that does not
// decode into P fails the message.
func On[P any](b *Bus, t bus.EventType, handlerID string, h EventHandler[P], opts ...registry.Option) (registry.Handle, error) {
	return b.Register(t, handlerID, bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) bus.Result {
		var p P
		if err := env.Decode(&p); err != nil {
			return bus.Fail(berr.Decode("payload of "+env.Type.String(), err))
		}
		return Outcome(h(ctx, env, p))
	}), opts...)
}
