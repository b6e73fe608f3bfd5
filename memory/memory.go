// Package memory wires service buses onto one in-process broker. It is meant for tests,
// examples and single-binary demos; nothing survives a restart.
package memory

import (
	"github.com/next-trace/scg-saga-bus/adapters/inmemory"
	"github.com/next-trace/scg-saga-bus/idempotency"
	"github.com/next-trace/scg-saga-bus/servicebus"
)

// Fabric is a broker shared by several in-process services.
type Fabric struct {
	Broker *inmemory.Broker
}

// NewFabric creates an empty broker.
func NewFabric(opts ...inmemory.Option) *Fabric {
	return &Fabric{Broker: inmemory.New(opts...)}
}

// Service constructs a bus consuming as consumer group service. Every service gets
// an in-memory idempotency tracker unless opts supply another one.
func (f *Fabric) Service(service string, opts ...servicebus.BusOption) *servicebus.Bus {
	base := []servicebus.BusOption{
		servicebus.WithTracker(idempotency.NewTracker(idempotency.NewMemoryStore()), 0),
	}
	return servicebus.New(f.Broker, f.Broker.Consumer(service), append(base, opts...)...)
}

// Close stops every consumer of the fabric.
func (f *Fabric) Close() error { return f.Broker.Close() }

// New constructs a single service bus on its own broker and returns it along with a
// cleanup function that closes both.
func New(service string, opts ...servicebus.BusOption) (*servicebus.Bus, func()) {
	f := NewFabric()
	b := f.Service(service, opts...)
	cleanup := func() {
		_ = b.Close()
		_ = f.Close()
	}
	return b, cleanup
}
