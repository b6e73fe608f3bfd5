package bus_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

func TestNewEnvelopeIsRoot(t *testing.T) {
	env, err := bus.NewEnvelope("OrderPlaced", map[string]string{"orderId": "o-1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}

	if env.ID == uuid.Nil || env.CorrelationID != env.ID {
		t.Fatalf("root envelope must correlate to itself: %+v", env)
	}
	if !env.IsRoot() || env.SchemaVersion != 1 {
		t.Fatalf("unexpected root envelope: %+v", env)
	}
	if err := env.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	var p map[string]string
	if err := env.Decode(&p); err != nil || p["orderId"] != "o-1" {
		t.Fatalf("decode payload: %v %v", p, err)
	}
}

func TestCausedInheritsCorrelation(t *testing.T) {
	parent := bus.MustEnvelope("OrderPlaced", nil)
	child, err := bus.Caused(parent, "InventoryReserved", struct{ N int }{N: 1}, bus.WithSchemaVersion(3))
	if err != nil {
		t.Fatalf("caused: %v", err)
	}

	if child.CorrelationID != parent.CorrelationID {
		t.Fatalf("correlation not inherited")
	}
	if !child.CausationID.Valid || child.CausationID.UUID != parent.ID {
		t.Fatalf("causation must point at parent")
	}
	if child.ID == parent.ID || child.SchemaVersion != 3 {
		t.Fatalf("unexpected child: %+v", child)
	}
}

func TestNewEnvelopePayloadErrors(t *testing.T) {
	if _, err := bus.NewEnvelope("X", json.RawMessage("{oops")); err == nil {
		t.Fatalf("expected invalid raw payload error")
	}
	if _, err := bus.NewEnvelope("X", func() {}); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestResultHelpersAndChain(t *testing.T) {
	if bus.Retry(errors.New("x")).Terminal() || !bus.Ack().Terminal() || !bus.Fail(nil).Terminal() {
		t.Fatalf("terminal classification wrong")
	}

	var order []string
	mw := func(name string) bus.HandlerMiddleware {
		return func(handlerID string, next bus.Handler) bus.Handler {
			return bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) bus.Result {
				order = append(order, name+":"+handlerID)
				return next.Handle(ctx, env)
			})
		}
	}

	h := bus.Chain("h1", bus.HandlerFunc(func(context.Context, bus.Envelope) bus.Result {
		order = append(order, "handler")
		return bus.Ack()
	}), mw("a"), mw("b"))

	if res := h.Handle(t.Context(), bus.MustEnvelope("X", nil)); res.Outcome != bus.OutcomeAck {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if len(order) != 3 || order[0] != "a:h1" || order[1] != "b:h1" || order[2] != "handler" {
		t.Fatalf("unexpected middleware order: %v", order)
	}
}
