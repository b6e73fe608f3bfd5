// Package inmemory is an in-process transport: a broker with consumer groups, topic
// fan-out and redelivery of negatively acknowledged messages. It backs tests, examples
// and single-process deployments.
package inmemory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

var ErrClosed = errors.New("inmemory: broker closed")

// Stats counts broker activity.
type Stats struct {
	Sent        int64
	Acked       int64
	Redelivered int64
	Dropped     int64
}

// Broker is safe for concurrent use. Every consumer group receives each message sent
// to a topic it subscribed to; within a group messages are delivered in send order.
type Broker struct {
	mu     sync.Mutex
	groups map[string]*group
	sent   []bus.Message
	closed bool
	done   chan struct{}

	redeliveryDelay time.Duration
	maxAttempts     int

	stats struct{ sent, acked, redelivered, dropped atomic.Int64 }
}

// Option configures a Broker.
type Option func(*Broker)

// WithRedeliveryDelay delays requeued messages.
func WithRedeliveryDelay(d time.Duration) Option { return func(b *Broker) { b.redeliveryDelay = d } }

// WithMaxAttempts drops messages after n deliveries. Zero means unlimited.
func WithMaxAttempts(n int) Option { return func(b *Broker) { b.maxAttempts = n } }

// New returns an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{groups: make(map[string]*group), done: make(chan struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Send records m and enqueues it for every subscribed group.
func (b *Broker) Send(ctx context.Context, m bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	m.Body = slices.Clone(m.Body)
	m.Headers = maps.Clone(m.Headers)
	b.sent = append(b.sent, m)
	b.stats.sent.Add(1)

	for _, g := range b.groups {
		if g.subscribed(m.Topic) {
			g.push(&delivery{broker: b, group: g, msg: m, attempt: 1})
		}
	}

	return nil
}

// Consumer joins (or creates) a consumer group. Without topics the group receives
// every topic. Messages sent before the group existed are not delivered.
func (b *Broker) Consumer(name string, topics ...string) *Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.groups[name]
	if !ok {
		g = &group{ready: make(chan struct{}, 1)}
		if len(topics) > 0 {
			g.topics = make(map[string]struct{}, len(topics))
			for _, t := range topics {
				g.topics[t] = struct{}{}
			}
		}
		b.groups[name] = g
	}

	return &Consumer{broker: b, group: g}
}

// Messages returns everything sent so far.
func (b *Broker) Messages() []bus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sent)
}

func (b *Broker) Stats() Stats {
	return Stats{
		Sent:        b.stats.sent.Load(),
		Acked:       b.stats.acked.Load(),
		Redelivered: b.stats.redelivered.Load(),
		Dropped:     b.stats.dropped.Load(),
	}
}

// Close stops consumers; queued messages are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *Broker) requeue(d *delivery) {
	select {
	case <-b.done:
		b.stats.dropped.Add(1)
		return
	default:
	}
	if b.maxAttempts > 0 && d.attempt >= b.maxAttempts {
		b.stats.dropped.Add(1)
		return
	}
	b.stats.redelivered.Add(1)

	next := &delivery{broker: b, group: d.group, msg: d.msg, attempt: d.attempt + 1}
	if b.redeliveryDelay <= 0 {
		d.group.push(next)
		return
	}
	time.AfterFunc(b.redeliveryDelay, func() { d.group.push(next) })
}

type group struct {
	topics map[string]struct{}

	mu    sync.Mutex
	queue []*delivery
	ready chan struct{}
}

func (g *group) subscribed(topic string) bool {
	if g.topics == nil {
		return true
	}
	_, ok := g.topics[topic]
	return ok
}

func (g *group) push(d *delivery) {
	g.mu.Lock()
	g.queue = append(g.queue, d)
	g.mu.Unlock()

	select {
	case g.ready <- struct{}{}:
	default:
	}
}

func (g *group) pop() (*delivery, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.queue) == 0 {
		return nil, false
	}
	d := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]

	return d, true
}

// Consumer reads one consumer group. Several Consumers of one group share its messages.
type Consumer struct {
	broker *Broker
	group  *group
}

// Consume calls fn for each message until ctx is done or the broker is closed.
func (c *Consumer) Consume(ctx context.Context, fn bus.DeliverFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d, ok := c.group.pop(); ok {
			fn(ctx, d)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.broker.done:
			return nil
		case <-c.group.ready:
		}
	}
}

type delivery struct {
	broker  *Broker
	group   *group
	msg     bus.Message
	attempt int
	settled atomic.Bool
}

func (d *delivery) Topic() string              { return d.msg.Topic }
func (d *delivery) Body() []byte               { return d.msg.Body }
func (d *delivery) Headers() map[string]string { return d.msg.Headers }
func (d *delivery) Attempt() int               { return d.attempt }

func (d *delivery) Ack(context.Context) error {
	if d.settled.CompareAndSwap(false, true) {
		d.broker.stats.acked.Add(1)
	}
	return nil
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return nil
	}
	if requeue {
		d.broker.requeue(d)
	} else {
		d.broker.stats.dropped.Add(1)
	}
	return nil
}

var (
	_ bus.Sender   = (*Broker)(nil)
	_ bus.Consumer = (*Consumer)(nil)
)
