package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PublishRecord is emitted for every publish attempt sequence.
type PublishRecord struct {
	EventType     EventType
	CorrelationID uuid.UUID
	Topic         string
	Attempts      int
	Latency       time.Duration
	Err           error
}

// ConsumeRecord is emitted for every handler invocation (or suppression).
type ConsumeRecord struct {
	EventType     EventType
	CorrelationID uuid.UUID
	HandlerID     string
	Outcome       Outcome
	Duplicate     bool
	Attempt       int
	Latency       time.Duration
	Err           error
}

// SagaTransitionRecord is emitted whenever a saga instance changes state.
type SagaTransitionRecord struct {
	Saga          string
	CorrelationID uuid.UUID
	From          string
	To            string
	Step          int
	Reason        string
}

// Observer is the observability sink. The core emits structured records; collectors
// persist or visualize them. Implementations must be safe for concurrent use.
type Observer interface {
	Published(ctx context.Context, r PublishRecord)
	PublishFailed(ctx context.Context, r PublishRecord)
	Consumed(ctx context.Context, r ConsumeRecord)
	SagaTransition(ctx context.Context, r SagaTransitionRecord)
}

// NopObserver discards every record.
type NopObserver struct{}

func (NopObserver) Published(context.Context, PublishRecord)               {}
func (NopObserver) PublishFailed(context.Context, PublishRecord)           {}
func (NopObserver) Consumed(context.Context, ConsumeRecord)                {}
func (NopObserver) SagaTransition(context.Context, SagaTransitionRecord) {}
