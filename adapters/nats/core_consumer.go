package nats

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// CoreConn is the subset of *nats.Conn the CoreConsumer uses.
type CoreConn interface {
	ChanQueueSubscribe(subj, queue string, ch chan *nats.Msg) (*nats.Subscription, error)
	PublishMsg(m *nats.Msg) error
}

// CoreConsumerConfig configures a CoreConsumer.
type CoreConsumerConfig struct {
	// Queue is the queue group; every replica of a service shares one.
	Queue  string
	Topics []string
	// MaxAttempts caps requeues; a message past it is dropped. Zero means 5.
	MaxAttempts int
	Buffer      int
}

// CoreConsumer consumes core NATS subjects through a queue group. Core NATS keeps no
// delivery state, so a requeue republishes the message with a bumped attempt header
// and anything in flight during a crash is lost.
type CoreConsumer struct {
	conn   CoreConn
	prefix string
	cfg    CoreConsumerConfig
}

var _ bus.Consumer = (*CoreConsumer)(nil)

// NewCoreConsumer subscribes conn under prefix with the queue group in cfg.
func NewCoreConsumer(conn CoreConn, prefix string, cfg CoreConsumerConfig) *CoreConsumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &CoreConsumer{conn: conn, prefix: prefix, cfg: cfg}
}

func (c *CoreConsumer) Consume(ctx context.Context, fn bus.DeliverFunc) error {
	if c.cfg.Queue == "" {
		return fmt.Errorf("%w: nats queue group required", berr.ErrInvalidConfig)
	}

	subjects := []string{c.prefix + ">"}
	if len(c.cfg.Topics) > 0 {
		subjects = subjects[:0]
		for _, t := range c.cfg.Topics {
			subjects = append(subjects, Subject(c.prefix, t))
		}
	}

	ch := make(chan *nats.Msg, c.cfg.Buffer)
	subs := make([]*nats.Subscription, 0, len(subjects))
	defer func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}()
	for _, subj := range subjects {
		sub, err := c.conn.ChanQueueSubscribe(subj, c.cfg.Queue, ch)
		if err != nil {
			return fmt.Errorf("nats subscribe %s: %w", subj, berr.Transient(err))
		}
		subs = append(subs, sub)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(ctx, &coreDelivery{msg: msg, topic: Topic(c.prefix, msg.Subject), conn: c.conn, max: c.cfg.MaxAttempts})
		}
	}
}

type coreDelivery struct {
	msg   *nats.Msg
	topic string
	conn  CoreConn
	max   int
}

func (d *coreDelivery) Topic() string { return d.topic }
func (d *coreDelivery) Body() []byte  { return d.msg.Data }

func (d *coreDelivery) Headers() map[string]string {
	h := make(map[string]string, len(d.msg.Header))
	for k := range d.msg.Header {
		h[k] = d.msg.Header.Get(k)
	}
	return h
}

func (d *coreDelivery) Attempt() int {
	if n, err := strconv.Atoi(d.msg.Header.Get(bus.HeaderAttempt)); err == nil && n > 0 {
		return n
	}
	return 1
}

func (d *coreDelivery) Ack(context.Context) error { return nil }

func (d *coreDelivery) Nack(_ context.Context, requeue bool) error {
	if !requeue || d.Attempt() >= d.max {
		return nil
	}

	h := d.Headers()
	h[bus.HeaderAttempt] = strconv.Itoa(d.Attempt() + 1)
	if err := d.conn.PublishMsg(newMsg(d.msg.Subject, d.msg.Data, h)); err != nil {
		return fmt.Errorf("nats requeue: %w", berr.Transient(err))
	}
	return nil
}
