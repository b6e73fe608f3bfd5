package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

type ConsumerConfig struct {
	// Durable names the consumer; one per service.
	Durable string
	// Topics filter the stream; empty means every topic.
	Topics        []string
	AckWait       time.Duration
	MaxDeliver    int
	MaxAckPending int
	// RedeliveryDelay is applied to negatively acknowledged messages.
	RedeliveryDelay time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAckPending <= 0 {
		c.MaxAckPending = 256
	}
	return c
}

// MessageSource is the part of jetstream.Consumer the Consumer reads from.
type MessageSource interface {
	Messages(opts ...jetstream.PullMessagesOpt) (jetstream.MessagesContext, error)
}

// Consumer implements bus.Consumer over a JetStream pull consumer.
type Consumer struct {
	src    MessageSource
	prefix string
	cfg    ConsumerConfig
}

var _ bus.Consumer = (*Consumer)(nil)

// NewConsumer pulls from src, mapping subjects under prefix back to topics.
func NewConsumer(src MessageSource, prefix string, cfg ConsumerConfig) *Consumer {
	return &Consumer{src: src, prefix: prefix, cfg: cfg.withDefaults()}
}

// Consume blocks until ctx is done or the iterator fails.
func (c *Consumer) Consume(ctx context.Context, fn bus.DeliverFunc) error {
	it, err := c.src.Messages(jetstream.PullMaxMessages(c.cfg.MaxAckPending))
	if err != nil {
		return fmt.Errorf("nats consume %s: %w", c.cfg.Durable, berr.Transient(err))
	}
	stop := context.AfterFunc(ctx, it.Stop)
	defer stop()
	defer it.Stop()

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return fmt.Errorf("nats consume %s: %w", c.cfg.Durable, berr.Transient(err))
		}
		fn(ctx, &delivery{msg: msg, topic: Topic(c.prefix, msg.Subject()), delay: c.cfg.RedeliveryDelay})
	}
}

type delivery struct {
	msg   jetstream.Msg
	topic string
	delay time.Duration
}

func (d *delivery) Topic() string { return d.topic }
func (d *delivery) Body() []byte  { return d.msg.Data() }

func (d *delivery) Headers() map[string]string {
	src := d.msg.Headers()
	h := make(map[string]string, len(src))
	for k := range src {
		h[k] = src.Get(k)
	}
	return h
}

func (d *delivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil || md.NumDelivered == 0 {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *delivery) Ack(context.Context) error { return d.msg.Ack() }

// Nack without requeue terminates the message so JetStream stops redelivering it.
func (d *delivery) Nack(_ context.Context, requeue bool) error {
	switch {
	case !requeue:
		return d.msg.Term()
	case d.delay > 0:
		return d.msg.NakWithDelay(d.delay)
	default:
		return d.msg.Nak()
	}
}
