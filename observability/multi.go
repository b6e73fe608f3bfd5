package observability

import (
	"context"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

type multi []bus.Observer

// Multi fans every record out to observers in order.
func Multi(observers ...bus.Observer) bus.Observer {
	switch len(observers) {
	case 0:
		return bus.NopObserver{}
	case 1:
		return observers[0]
	}
	return multi(observers)
}

func (m multi) Published(ctx context.Context, r bus.PublishRecord) {
	for _, o := range m {
		o.Published(ctx, r)
	}
}

func (m multi) PublishFailed(ctx context.Context, r bus.PublishRecord) {
	for _, o := range m {
		o.PublishFailed(ctx, r)
	}
}

func (m multi) Consumed(ctx context.Context, r bus.ConsumeRecord) {
	for _, o := range m {
		o.Consumed(ctx, r)
	}
}

func (m multi) SagaTransition(ctx context.Context, r bus.SagaTransitionRecord) {
	for _, o := range m {
		o.SagaTransition(ctx, r)
	}
}
