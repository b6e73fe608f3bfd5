package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"maps"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// HeaderKey carries the message key; RabbitMQ has no native partition key.
const HeaderKey = "x-message-key"

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// Publisher is the narrow AMQP publishing surface the Sender needs.
type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Sender implements bus.Sender on top of a Publisher.
type Sender struct {
	Publisher Publisher
	Exchange  string
}

var _ bus.Sender = (*Sender)(nil)

// New returns a Sender publishing to the integration exchange.
func New(p Publisher) *Sender { return &Sender{Publisher: p, Exchange: integrationExchange} }

func (s *Sender) Send(ctx context.Context, m bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Publisher == nil {
		return fmt.Errorf("rabbitmq send: %w", berr.ErrPublishFailed)
	}

	hdrs := make(map[string]string, len(m.Headers)+1)
	maps.Copy(hdrs, m.Headers)
	if m.Key != "" {
		hdrs[HeaderKey] = m.Key
	}

	err := s.Publisher.Publish(ctx, PubMsg{
		Exchange:   s.Exchange,
		RoutingKey: m.Topic,
		Body:       m.Body,
		Headers:    hdrs,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("rabbitmq send %s: %w", m.Topic, berr.Transient(err))
	}
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}

func publishing(m PubMsg) amqp.Publishing {
	ct := m.Headers[bus.HeaderContentType]
	if ct == "" {
		ct = bus.ContentTypeJSON
	}

	return amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Headers:      toTable(m.Headers),
		ContentType:  ct,
		MessageId:    m.Headers[bus.HeaderEventID],
		Type:         m.Headers[bus.HeaderEventType],
		Body:         m.Body,
	}
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

// NewWithAMQPChannel wraps an already opened channel. The caller owns its lifecycle
// and must have declared the exchange.
func NewWithAMQPChannel(ch *amqp.Channel) *Sender {
	return New(amqpChannelPublisher{ch: ch})
}
