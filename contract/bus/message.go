package bus

import "context"

// Message is an encoded envelope on its way to the broker.
// Key is the partition/ordering key; the publisher sets it to the correlation id.
type Message struct {
	Topic   string
	Key     string
	Body    []byte
	Headers map[string]string
}

// Delivery is one inbound raw message as exposed by a transport client.
// Exactly one of Ack or Nack must be called.
type Delivery interface {
	Topic() string
	Body() []byte
	Headers() map[string]string
	// Attempt is the 1-based delivery count when the transport knows it, else 1.
	Attempt() int
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// DeliverFunc receives deliveries from a Consumer. It may block to apply backpressure.
type DeliverFunc func(ctx context.Context, d Delivery)

// Consumer feeds deliveries to fn until ctx is done or the subscription fails.
type Consumer interface {
	Consume(ctx context.Context, fn DeliverFunc) error
}
