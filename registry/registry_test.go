package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/registry"
)

var ack = bus.HandlerFunc(func(context.Context, bus.Envelope) bus.Result { return bus.Ack() })

func TestRegisterAndLookupInOrder(t *testing.T) {
	r := registry.New()

	h1, err := r.Register("OrderPlaced", "inventory", ack, registry.Ordered())
	require.NoError(t, err)
	h2, err := r.Register("OrderPlaced", "notification", ack, registry.NaturallyIdempotent())
	require.NoError(t, err)
	_, err = r.Register("UserRegistered", "notification", ack)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)

	entries := r.Lookup("OrderPlaced")
	require.Len(t, entries, 2)
	assert.Equal(t, "inventory", entries[0].HandlerID)
	assert.True(t, entries[0].Ordered)
	assert.False(t, entries[0].NaturallyIdempotent)
	assert.Equal(t, "notification", entries[1].HandlerID)
	assert.True(t, entries[1].NaturallyIdempotent)

	assert.Empty(t, r.Lookup("Unknown"))
	assert.Equal(t, []bus.EventType{"OrderPlaced", "UserRegistered"}, r.EventTypes())
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := registry.New()
	r.MustRegister("OrderPlaced", "inventory", ack)

	_, err := r.Register("OrderPlaced", "inventory", ack)
	assert.ErrorIs(t, err, berr.ErrHandlerExists)

	_, err = r.Register("", "x", ack)
	assert.Error(t, err)

	assert.Panics(t, func() { r.MustRegister("OrderPlaced", "inventory", ack) })
}

func TestUnregisterKeepsSnapshotsStable(t *testing.T) {
	r := registry.New()
	h1 := r.MustRegister("OrderPlaced", "a", ack)
	r.MustRegister("OrderPlaced", "b", ack)

	snapshot := r.Lookup("OrderPlaced")

	require.NoError(t, r.Unregister(h1))
	assert.ErrorIs(t, r.Unregister(h1), berr.ErrHandlerNotFound)

	require.Len(t, snapshot, 2, "earlier snapshot must not change")
	now := r.Lookup("OrderPlaced")
	require.Len(t, now, 1)
	assert.Equal(t, "b", now[0].HandlerID)

	// handler id becomes available again
	_, err := r.Register("OrderPlaced", "a", ack)
	assert.NoError(t, err)
}
