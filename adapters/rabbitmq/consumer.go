package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	gonanoid "github.com/matoous/go-nanoid/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// Channel is the subset of *amqp.Channel the Consumer uses.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

type ConsumerConfig struct {
	// Queue is the durable queue of the consuming service, e.g. "order-service".
	Queue string
	// Topics are binding keys on the integration exchange; empty binds "#".
	Topics []string
	// Prefetch bounds unacknowledged deliveries (default 64).
	Prefetch int
	// Tag names the consumer; a random one is generated when empty.
	Tag string
}

// Consumer implements bus.Consumer over one AMQP channel.
type Consumer struct {
	ch  Channel
	cfg ConsumerConfig
}

var _ bus.Consumer = (*Consumer)(nil)

// NewConsumer consumes cfg.Queue from ch.
func NewConsumer(ch Channel, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 64
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{"#"}
	}
	if cfg.Tag == "" {
		cfg.Tag = cfg.Queue + "-" + gonanoid.Must(8)
	}
	return &Consumer{ch: ch, cfg: cfg}
}

func (c *Consumer) setup() error {
	if c.cfg.Queue == "" {
		return fmt.Errorf("%w: rabbitmq consumer queue required", berr.ErrInvalidConfig)
	}
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}
	if _, err := c.ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare queue %s: %w", c.cfg.Queue, err)
	}
	for _, topic := range c.cfg.Topics {
		if err := c.ch.QueueBind(c.cfg.Queue, topic, integrationExchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq bind %s to %s: %w", c.cfg.Queue, topic, err)
		}
	}
	return nil
}

// Consume blocks until ctx is done or the channel closes.
func (c *Consumer) Consume(ctx context.Context, fn bus.DeliverFunc) error {
	if err := c.setup(); err != nil {
		return err
	}

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", c.cfg.Queue, berr.Transient(err))
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.ch.Cancel(c.cfg.Tag, false)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return berr.Transient(errors.New("rabbitmq delivery channel closed"))
			}
			fn(ctx, &delivery{d: d})
		}
	}
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Topic() string { return d.d.RoutingKey }
func (d *delivery) Body() []byte  { return d.d.Body }

func (d *delivery) Headers() map[string]string {
	h := make(map[string]string, len(d.d.Headers))
	for k, v := range d.d.Headers {
		switch s := v.(type) {
		case string:
			h[k] = s
		case []byte:
			h[k] = string(s)
		}
	}
	return h
}

// Attempt prefers the quorum queue delivery counter and falls back to the redelivered flag.
func (d *delivery) Attempt() int {
	switch n := d.d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(n) + 1
	case int32:
		return int(n) + 1
	case int:
		return n + 1
	case string:
		if v, err := strconv.Atoi(n); err == nil {
			return v + 1
		}
	}
	if d.d.Redelivered {
		return 2
	}
	return 1
}

func (d *delivery) Ack(context.Context) error { return d.d.Ack(false) }

func (d *delivery) Nack(_ context.Context, requeue bool) error { return d.d.Nack(false, requeue) }
