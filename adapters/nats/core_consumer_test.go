package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/next-trace/scg-saga-bus/adapters/nats"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

type fakeCoreConn struct {
	mu        sync.Mutex
	subjects  []string
	queue     string
	ch        chan *natsgo.Msg
	published []*natsgo.Msg
	subErr    error
	pubErr    error
}

func (c *fakeCoreConn) ChanQueueSubscribe(subj, queue string, ch chan *natsgo.Msg) (*natsgo.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.subjects = append(c.subjects, subj)
	c.queue = queue
	c.ch = ch
	return &natsgo.Subscription{}, nil
}

func (c *fakeCoreConn) PublishMsg(m *natsgo.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubErr != nil {
		return c.pubErr
	}
	c.published = append(c.published, m)
	return nil
}

func (c *fakeCoreConn) channel() chan *natsgo.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

func coreMsg(subject, attempt string) *natsgo.Msg {
	m := natsgo.NewMsg(subject)
	m.Data = []byte(`{}`)
	m.Header.Set(bus.HeaderEventID, "e-1")
	if attempt != "" {
		m.Header.Set(bus.HeaderAttempt, attempt)
	}
	return m
}

// consumeOne starts Consume, pushes msg and returns the delivery it produced.
func consumeOne(t *testing.T, c *nats.CoreConsumer, conn *fakeCoreConn, msg *natsgo.Msg) bus.Delivery {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)

	got := make(chan bus.Delivery, 1)
	go func() {
		_ = c.Consume(ctx, func(_ context.Context, d bus.Delivery) { got <- d })
	}()

	deadline := time.Now().Add(2 * time.Second)
	for conn.channel() == nil {
		if time.Now().After(deadline) {
			t.Fatal("consumer never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	conn.channel() <- msg

	select {
	case d := <-got:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
		return nil
	}
}

func TestCoreConsumer_SubscribesAndMaps(t *testing.T) {
	conn := &fakeCoreConn{}
	c := nats.NewCoreConsumer(conn, "events.", nats.CoreConsumerConfig{Queue: "orders", Topics: []string{"OrderPlaced", "UserCreated"}})

	d := consumeOne(t, c, conn, coreMsg("events.OrderPlaced", ""))

	if d.Topic() != "OrderPlaced" || d.Attempt() != 1 || d.Headers()[bus.HeaderEventID] != "e-1" {
		t.Fatalf("unexpected delivery: topic=%s attempt=%d headers=%v", d.Topic(), d.Attempt(), d.Headers())
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.subjects) != 2 || conn.subjects[0] != "events.OrderPlaced" || conn.queue != "orders" {
		t.Fatalf("unexpected subscriptions: %v queue=%s", conn.subjects, conn.queue)
	}
}

func TestCoreConsumer_RequeueRepublishesWithAttempt(t *testing.T) {
	conn := &fakeCoreConn{}
	c := nats.NewCoreConsumer(conn, "events.", nats.CoreConsumerConfig{Queue: "orders", MaxAttempts: 3})

	d := consumeOne(t, c, conn, coreMsg("events.OrderPlaced", "2"))
	if err := d.Nack(t.Context(), true); err != nil {
		t.Fatalf("nack: %v", err)
	}

	conn.mu.Lock()
	pub := conn.published
	subjects := conn.subjects
	conn.mu.Unlock()

	if len(subjects) != 1 || subjects[0] != "events.>" {
		t.Fatalf("want wildcard subscription, got %v", subjects)
	}
	if len(pub) != 1 || pub[0].Subject != "events.OrderPlaced" || pub[0].Header.Get(bus.HeaderAttempt) != "3" {
		t.Fatalf("unexpected republish: %+v", pub)
	}
}

func TestCoreConsumer_DropsPastMaxAttempts(t *testing.T) {
	conn := &fakeCoreConn{}
	c := nats.NewCoreConsumer(conn, "events.", nats.CoreConsumerConfig{Queue: "orders", MaxAttempts: 3})

	d := consumeOne(t, c, conn, coreMsg("events.OrderPlaced", "3"))
	if err := d.Nack(t.Context(), true); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := d.Ack(t.Context()); err != nil {
		t.Fatalf("ack: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.published) != 0 {
		t.Fatalf("expected no republish, got %d", len(conn.published))
	}
}

func TestCoreConsumer_RequeueFailureIsTransient(t *testing.T) {
	conn := &fakeCoreConn{pubErr: errors.New("conn closed")}
	c := nats.NewCoreConsumer(conn, "events.", nats.CoreConsumerConfig{Queue: "orders"})

	d := consumeOne(t, c, conn, coreMsg("events.OrderPlaced", ""))
	if err := d.Nack(t.Context(), true); !errors.Is(err, berr.ErrTransientTransport) {
		t.Fatalf("want transient, got %v", err)
	}
}

func TestCoreConsumer_Errors(t *testing.T) {
	c := nats.NewCoreConsumer(&fakeCoreConn{}, "events.", nats.CoreConsumerConfig{})
	if err := c.Consume(t.Context(), func(context.Context, bus.Delivery) {}); !errors.Is(err, berr.ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}

	c = nats.NewCoreConsumer(&fakeCoreConn{subErr: errors.New("no route")}, "events.", nats.CoreConsumerConfig{Queue: "q"})
	if err := c.Consume(t.Context(), func(context.Context, bus.Delivery) {}); !errors.Is(err, berr.ErrTransientTransport) {
		t.Fatalf("want transient, got %v", err)
	}
}
