package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/next-trace/scg-saga-bus/adapters/nats"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

type fakeMsg struct {
	jetstream.Msg // unused methods panic

	subject   string
	data      []byte
	headers   natsgo.Header
	delivered uint64

	mu      sync.Mutex
	settled []string
}

func (m *fakeMsg) Subject() string        { return m.subject }
func (m *fakeMsg) Data() []byte           { return m.data }
func (m *fakeMsg) Headers() natsgo.Header { return m.headers }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

func (m *fakeMsg) settle(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled = append(m.settled, s)
	return nil
}

func (m *fakeMsg) Ack() error                         { return m.settle("ack") }
func (m *fakeMsg) Nak() error                         { return m.settle("nak") }
func (m *fakeMsg) NakWithDelay(d time.Duration) error { return m.settle("nak " + d.String()) }
func (m *fakeMsg) Term() error                        { return m.settle("term") }

func (m *fakeMsg) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.settled...)
}

type fakeIter struct {
	msgs chan jetstream.Msg
	once sync.Once
	done chan struct{}
}

func newFakeIter(msgs ...jetstream.Msg) *fakeIter {
	it := &fakeIter{msgs: make(chan jetstream.Msg, len(msgs)), done: make(chan struct{})}
	for _, m := range msgs {
		it.msgs <- m
	}
	return it
}

func (it *fakeIter) Next() (jetstream.Msg, error) {
	select {
	case m := <-it.msgs:
		return m, nil
	case <-it.done:
		return nil, jetstream.ErrMsgIteratorClosed
	}
}

func (it *fakeIter) Stop()  { it.once.Do(func() { close(it.done) }) }
func (it *fakeIter) Drain() { it.Stop() }

type fakeSource struct {
	it  *fakeIter
	err error
}

func (s fakeSource) Messages(...jetstream.PullMessagesOpt) (jetstream.MessagesContext, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.it, nil
}

func TestConsumer_MapsMessagesAndSettles(t *testing.T) {
	first := &fakeMsg{
		subject:   "events.OrderPlaced",
		data:      []byte(`{}`),
		headers:   natsgo.Header{bus.HeaderEventID: []string{"e-1"}},
		delivered: 1,
	}
	second := &fakeMsg{subject: "events.PaymentFailed", delivered: 3}
	third := &fakeMsg{subject: "events.PaymentFailed", delivered: 1}

	c := nats.NewConsumer(fakeSource{it: newFakeIter(first, second, third)}, "events.",
		nats.ConsumerConfig{Durable: "orders", RedeliveryDelay: time.Second})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []bus.Delivery
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Consume(ctx, func(ctx context.Context, d bus.Delivery) {
			mu.Lock()
			seen = append(seen, d)
			n := len(seen)
			mu.Unlock()

			switch n {
			case 1:
				_ = d.Ack(ctx)
			case 2:
				_ = d.Nack(ctx, true)
			default:
				_ = d.Nack(ctx, false)
				cancel()
			}
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not stop")
	}

	if len(seen) != 3 {
		t.Fatalf("want 3 deliveries, got %d", len(seen))
	}

	if seen[0].Topic() != "OrderPlaced" || seen[0].Headers()[bus.HeaderEventID] != "e-1" || seen[0].Attempt() != 1 {
		t.Fatalf("first delivery: %s %+v %d", seen[0].Topic(), seen[0].Headers(), seen[0].Attempt())
	}

	if seen[1].Attempt() != 3 {
		t.Fatalf("attempt: %d", seen[1].Attempt())
	}

	for msg, want := range map[*fakeMsg]string{first: "ack", second: "nak 1s", third: "term"} {
		if got := msg.outcomes(); len(got) != 1 || got[0] != want {
			t.Fatalf("%s: want %s, got %v", msg.subject, want, got)
		}
	}
}

func TestConsumer_ClosedIteratorEndsConsume(t *testing.T) {
	it := newFakeIter()
	it.Stop()

	c := nats.NewConsumer(fakeSource{it: it}, "events.", nats.ConsumerConfig{Durable: "d"})
	if err := c.Consume(t.Context(), func(context.Context, bus.Delivery) {}); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
}

func TestConsumer_SubscribeErrorIsTransient(t *testing.T) {
	c := nats.NewConsumer(fakeSource{err: errors.New("nats: consumer not found")}, "events.", nats.ConsumerConfig{Durable: "d"})

	err := c.Consume(t.Context(), func(context.Context, bus.Delivery) {})
	if !errors.Is(err, berr.ErrTransientTransport) {
		t.Fatalf("want transient, got %v", err)
	}
}
