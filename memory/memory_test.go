package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	"github.com/next-trace/scg-saga-bus/servicebus"
)

type greeting struct {
	Name string `json:"name"`
}

func TestNewMemoryBus_BasicFlow(t *testing.T) {
	b, cleanup := New("greeter")
	defer cleanup()

	var count atomic.Int32
	if _, err := servicebus.On(b, "Greeted", "greeter:count", func(_ context.Context, _ bus.Envelope, g greeting) error {
		if g.Name == "ada" {
			count.Add(1)
		}
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if _, err := b.Emit(ctx, "Greeted", greeting{Name: "ada"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for count.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected count=1 got %d", count.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestFabric_ServicesReceiveIndependently(t *testing.T) {
	f := NewFabric()
	defer func() { _ = f.Close() }()

	var a, b atomic.Int32
	order := f.Service("order")
	notification := f.Service("notification")

	for svc, n := range map[*servicebus.Bus]*atomic.Int32{order: &a, notification: &b} {
		if _, err := svc.Register("Ping", "count", bus.HandlerFunc(func(context.Context, bus.Envelope) bus.Result {
			n.Add(1)
			return bus.Ack()
		})); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = order.Run(ctx) }()
	go func() { _ = notification.Run(ctx) }()

	if _, err := order.Emit(ctx, "Ping", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Load() != 1 || b.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("each service should handle once: order=%d notification=%d", a.Load(), b.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
