// Package registry maps event types to the handlers subscribed to them within one
// service process. Each service owns its registry instance; nothing is shared across
// processes.
package registry

import (
	"fmt"
	"slices"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// Handle identifies one registration.
type Handle string

// Entry is an immutable view of one subscription.
type Entry struct {
	Handle    Handle
	EventType bus.EventType
	HandlerID string
	Handler   bus.Handler
	// Ordered handlers run one after another in registration order.
	Ordered bool
	// NaturallyIdempotent handlers bypass the idempotency tracker.
	NaturallyIdempotent bool
}

// Option configures a registration.
type Option func(*Entry)

// Ordered makes the handler part of the sequential chain for its event type.
func Ordered() Option { return func(e *Entry) { e.Ordered = true } }

// NaturallyIdempotent marks a handler whose side effects tolerate repetition.
func NaturallyIdempotent() Option { return func(e *Entry) { e.NaturallyIdempotent = true } }

// Registry is safe for concurrent use. Lookup returns snapshots, so registrations
// made while a message is being dispatched take effect for the next message.
type Registry struct {
	mu       sync.RWMutex
	byType   map[bus.EventType][]Entry
	byHandle map[Handle]bus.EventType
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byType:   make(map[bus.EventType][]Entry),
		byHandle: make(map[Handle]bus.EventType),
	}
}

// Register subscribes h to t under handlerID. A handler id may be used once per event type.
func (r *Registry) Register(t bus.EventType, handlerID string, h bus.Handler, opts ...Option) (Handle, error) {
	if t == "" || handlerID == "" || h == nil {
		return "", fmt.Errorf("register %q/%q: event type, handler id and handler are required", t, handlerID)
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("register %s/%s: %w", t, handlerID, err)
	}

	e := Entry{Handle: Handle(id), EventType: t, HandlerID: handlerID, Handler: h}
	for _, opt := range opts {
		opt(&e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.byType[t], func(x Entry) bool { return x.HandlerID == handlerID }) {
		return "", fmt.Errorf("register %s/%s: %w", t, handlerID, berr.ErrHandlerExists)
	}

	// Copy on write: snapshots handed out by Lookup stay untouched.
	next := make([]Entry, 0, len(r.byType[t])+1)
	next = append(next, r.byType[t]...)
	r.byType[t] = append(next, e)
	r.byHandle[e.Handle] = t

	return e.Handle, nil
}

// MustRegister is Register for wiring at startup; it panics on error.
func (r *Registry) MustRegister(t bus.EventType, handlerID string, h bus.Handler, opts ...Option) Handle {
	hd, err := r.Register(t, handlerID, h, opts...)
	if err != nil {
		panic(err)
	}
	return hd
}

// Unregister removes the registration identified by h.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.byHandle[h]
	if !ok {
		return fmt.Errorf("unregister %s: %w", h, berr.ErrHandlerNotFound)
	}
	delete(r.byHandle, h)

	next := slices.DeleteFunc(slices.Clone(r.byType[t]), func(e Entry) bool { return e.Handle == h })
	if len(next) == 0 {
		delete(r.byType, t)
	} else {
		r.byType[t] = next
	}

	return nil
}

// Lookup returns the subscriptions for t in registration order.
// The returned slice must not be modified.
func (r *Registry) Lookup(t bus.EventType) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[t]
}

// EventTypes returns every event type with at least one subscription, sorted.
// Transports use it to bind queues/subjects.
func (r *Registry) EventTypes() []bus.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]bus.EventType, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	slices.Sort(out)

	return out
}
