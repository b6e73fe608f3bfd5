package inmemory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-saga-bus/adapters/inmemory"
	"github.com/next-trace/scg-saga-bus/contract/bus"
)

func collect(t *testing.T, c *inmemory.Consumer, n int, settle func(bus.Delivery)) []bus.Delivery {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []bus.Delivery
	)
	_ = c.Consume(ctx, func(ctx context.Context, d bus.Delivery) {
		mu.Lock()
		got = append(got, d)
		done := len(got) == n
		mu.Unlock()

		settle(d)
		if done {
			cancel()
		}
	})

	if len(got) != n {
		t.Fatalf("want %d deliveries, got %d", n, len(got))
	}

	return got
}

func ack(d bus.Delivery) { _ = d.Ack(context.Background()) }

func TestInmemory_FanOutToGroups(t *testing.T) {
	b := inmemory.New()
	orders := b.Consumer("order-service", "InventoryReserved")
	audit := b.Consumer("audit")

	for _, topic := range []string{"OrderPlaced", "InventoryReserved"} {
		if err := b.Send(t.Context(), bus.Message{Topic: topic, Body: []byte(topic)}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if got := collect(t, orders, 1, ack); got[0].Topic() != "InventoryReserved" {
		t.Fatalf("order-service got %s", got[0].Topic())
	}

	got := collect(t, audit, 2, ack)
	if got[0].Topic() != "OrderPlaced" || got[1].Topic() != "InventoryReserved" {
		t.Fatalf("audit order: %s, %s", got[0].Topic(), got[1].Topic())
	}

	if s := b.Stats(); s.Sent != 2 || s.Acked != 3 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestInmemory_NackRequeuesWithNextAttempt(t *testing.T) {
	b := inmemory.New()
	c := b.Consumer("svc")

	if err := b.Send(t.Context(), bus.Message{Topic: "t", Body: []byte("x"), Headers: map[string]string{"k": "v"}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := collect(t, c, 3, func(d bus.Delivery) {
		if d.Attempt() < 3 {
			_ = d.Nack(context.Background(), true)
			return
		}
		_ = d.Ack(context.Background())
	})

	for i, d := range got {
		if d.Attempt() != i+1 {
			t.Fatalf("delivery %d: attempt %d", i, d.Attempt())
		}
		if d.Headers()["k"] != "v" || string(d.Body()) != "x" {
			t.Fatalf("delivery %d lost its content", i)
		}
	}

	if s := b.Stats(); s.Redelivered != 2 || s.Acked != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestInmemory_MaxAttemptsDrops(t *testing.T) {
	b := inmemory.New(inmemory.WithMaxAttempts(2))
	c := b.Consumer("svc")

	_ = b.Send(t.Context(), bus.Message{Topic: "t"})
	collect(t, c, 2, func(d bus.Delivery) { _ = d.Nack(context.Background(), true) })

	if s := b.Stats(); s.Dropped != 1 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestInmemory_ConcurrentSendersKeepEveryMessage(t *testing.T) {
	b := inmemory.New()
	c := b.Consumer("svc")

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Send(t.Context(), bus.Message{Topic: "t"})
		}()
	}
	wg.Wait()

	collect(t, c, 50, ack)

	if n := len(b.Messages()); n != 50 {
		t.Fatalf("messages=%d", n)
	}
}

func TestInmemory_CloseStopsConsumers(t *testing.T) {
	b := inmemory.New()
	c := b.Consumer("svc")

	done := make(chan error, 1)
	go func() { done <- c.Consume(t.Context(), func(context.Context, bus.Delivery) {}) }()

	_ = b.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("consume after close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}

	if err := b.Send(t.Context(), bus.Message{Topic: "t"}); err != inmemory.ErrClosed {
		t.Fatalf("send after close: %v", err)
	}
}

func TestInmemory_CancelledConsumerLeavesQueueAlone(t *testing.T) {
	b := inmemory.New()
	c := b.Consumer("svc")

	if err := b.Send(t.Context(), bus.Message{Topic: "Ping", Body: []byte("1")}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	calls := 0
	if err := c.Consume(ctx, func(ctx context.Context, d bus.Delivery) {
		calls++
		_ = d.Nack(ctx, true)
	}); err != context.Canceled {
		t.Fatalf("consume: %v", err)
	}
	if calls != 0 {
		t.Fatalf("cancelled consumer delivered %d messages", calls)
	}

	if got := collect(t, c, 1, ack); got[0].Attempt() != 1 {
		t.Fatalf("attempt=%d", got[0].Attempt())
	}
}

func TestInmemory_NoRedeliveryAfterClose(t *testing.T) {
	b := inmemory.New()
	c := b.Consumer("svc")
	if err := b.Send(t.Context(), bus.Message{Topic: "Ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	d := collect(t, c, 1, func(bus.Delivery) {})[0]
	_ = b.Close()
	_ = d.Nack(t.Context(), true)

	if s := b.Stats(); s.Redelivered != 0 || s.Dropped != 1 {
		t.Fatalf("stats after close: %+v", s)
	}
}
