package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Sender hands an encoded message to the broker. Library users provide an implementation
// that maps to Kafka/NATS/RabbitMQ etc.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

// Receipt describes a successful publish.
type Receipt struct {
	EnvelopeID uuid.UUID
	Topic      string
	Key        string
	Attempts   int
	Latency    time.Duration
}

// EnvelopePublisher is what domain code and the saga coordinator publish through.
type EnvelopePublisher interface {
	Publish(ctx context.Context, env Envelope, opts PublishOptions) (Receipt, error)
}
