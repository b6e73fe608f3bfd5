// Package saga coordinates multi-step business transactions through correlated events.
//
// A saga starts on its trigger event, advances on step success events and, when a step
// fails, is cancelled or times out, emits compensation events for the completed steps in
// reverse completion order. Instances are persisted with compare-and-set writes so that
// coordinator replicas can race safely. Emitted envelopes go through an outbox stored with
// the instance and are handed to the publisher after the write succeeds.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/registry"
)

// DefaultSweepInterval is how often RunSweeper checks deadlines, outboxes and retention.
const DefaultSweepInterval = time.Second

// DefaultOutboxAttempts is how many flushes may fail on one outbox envelope before it
// is dead-lettered and dropped.
const DefaultOutboxAttempts = 10

// HandlerPrefix prefixes the handler id of every saga subscription.
const HandlerPrefix = "saga:"

// Coordinator is safe for concurrent use.
type Coordinator struct {
	pub      bus.EnvelopePublisher
	store    Store
	observer bus.Observer
	dlq      bus.DeadLetterSink
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
	attempts int

	mu     sync.RWMutex
	defs   map[string]*Definition
	routes map[bus.EventType][]*Definition
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists instances in s instead of process memory.
func WithStore(s Store) Option { return func(c *Coordinator) { c.store = s } }

// WithObserver reports saga transitions to o.
func WithObserver(o bus.Observer) Option { return func(c *Coordinator) { c.observer = o } }

// WithDeadLetter sets the sink for outbox envelopes the coordinator gives up on.
func WithDeadLetter(s bus.DeadLetterSink) Option { return func(c *Coordinator) { c.dlq = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// WithClock replaces the wall clock used for deadlines and timestamps.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithSweepInterval sets the RunSweeper tick. Non-positive values keep the default.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithOutboxAttempts sets how many flushes may fail on one outbox envelope before it
// is dead-lettered. Non-positive values keep DefaultOutboxAttempts.
func WithOutboxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// New constructs a Coordinator publishing emitted events through pub. Without
// WithStore instances live in memory.
func New(pub bus.EnvelopePublisher, opts ...Option) *Coordinator {
	c := &Coordinator{
		pub:      pub,
		observer: bus.NopObserver{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		interval: DefaultSweepInterval,
		attempts: DefaultOutboxAttempts,
		defs:     make(map[string]*Definition),
		routes:   make(map[bus.EventType][]*Definition),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	c.logger = c.logger.With(slog.String("component", "saga"))

	return c
}

// Register adds a saga definition.
func (c *Coordinator) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.defs[def.Name]; ok {
		return fmt.Errorf("saga %s: %w", def.Name, berr.ErrHandlerExists)
	}
	d := def.withDefaults()
	c.defs[d.Name] = d
	for _, t := range d.Subscriptions() {
		c.routes[t] = append(c.routes[t], d)
	}

	return nil
}

// Bind subscribes every registered saga to its event types. Saga handlers are ordered
// and deduplicate through the instance history rather than the idempotency tracker.
func (c *Coordinator) Bind(reg *registry.Registry) ([]registry.Handle, error) {
	c.mu.RLock()
	defs := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		defs = append(defs, d)
	}
	c.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var handles []registry.Handle
	for _, d := range defs {
		h := bus.HandlerFunc(func(ctx context.Context, env bus.Envelope) bus.Result {
			return c.handle(ctx, d, env)
		})
		for _, t := range d.Subscriptions() {
			handle, err := reg.Register(t, HandlerPrefix+d.Name, h, registry.Ordered(), registry.NaturallyIdempotent())
			if err != nil {
				for _, prev := range handles {
					_ = reg.Unregister(prev)
				}
				return nil, fmt.Errorf("bind saga %s: %w", d.Name, err)
			}
			handles = append(handles, handle)
		}
	}

	return handles, nil
}

// Handle feeds env to every saga subscribed to its type.
func (c *Coordinator) Handle(ctx context.Context, env bus.Envelope) bus.Result {
	c.mu.RLock()
	defs := c.routes[env.Type]
	c.mu.RUnlock()

	res := bus.Ack()
	for _, d := range defs {
		if r := c.handle(ctx, d, env); r.Outcome != bus.OutcomeAck {
			res = r
		}
	}

	return res
}

// Get returns the current state of one saga instance.
func (c *Coordinator) Get(ctx context.Context, saga string, correlationID uuid.UUID) (*Instance, error) {
	return c.store.Get(ctx, saga, correlationID)
}

// Cancel publishes the saga's cancel event. Only a saga in STARTED that has not seen
// any step event can be cancelled; the coordinator compensates once the event arrives.
func (c *Coordinator) Cancel(ctx context.Context, saga string, correlationID uuid.UUID, reason string) error {
	def, ok := c.definition(saga)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSaga, saga)
	}
	if def.Cancel == "" {
		return fmt.Errorf("%w: saga %s has no cancel event", ErrNotCancellable, saga)
	}

	inst, err := c.store.Get(ctx, saga, correlationID)
	if err != nil {
		return err
	}
	if inst.State != StateStarted || len(inst.History) > 1 {
		return fmt.Errorf("%w: saga %s/%s is %s", ErrNotCancellable, saga, correlationID, inst.Label())
	}

	parent := bus.Envelope{ID: inst.TriggerID, CorrelationID: inst.CorrelationID}
	env, err := bus.Caused(parent, def.Cancel, cancellation{Reason: reason})
	if err != nil {
		return err
	}
	if _, err := c.pub.Publish(ctx, env, bus.PublishOptions{}); err != nil {
		return fmt.Errorf("publish %s: %w", def.Cancel, err)
	}

	c.logger.InfoContext(ctx, "saga cancellation requested",
		slog.String("saga", saga),
		slog.String("correlation_id", correlationID.String()),
		slog.String("reason", reason),
	)

	return nil
}

func (c *Coordinator) definition(name string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[name]
	return d, ok
}

func (c *Coordinator) handle(ctx context.Context, def *Definition, env bus.Envelope) bus.Result {
	log := c.logger.With(
		slog.String("saga", def.Name),
		slog.String("correlation_id", env.CorrelationID.String()),
		slog.String("event_type", env.Type.String()),
		slog.String("event_id", env.ID.String()),
	)

	inst, err := c.store.Get(ctx, def.Name, env.CorrelationID)
	switch {
	case errors.Is(err, ErrNotFound):
		return c.start(ctx, def, env, log)
	case err != nil:
		return bus.Retry(fmt.Errorf("load saga %s: %w", def.Name, err))
	}

	if inst.Seen(env.ID) {
		log.DebugContext(ctx, "envelope already applied")
		c.flush(ctx, inst, log)
		return bus.Ack()
	}

	if inst.State.Terminal() {
		log.WarnContext(ctx, "envelope for finished saga discarded",
			slog.String("state", inst.Label()),
			slog.Any("err", berr.ErrSagaAnomaly),
		)
		c.observer.SagaTransition(ctx, bus.SagaTransitionRecord{
			Saga:          def.Name,
			CorrelationID: inst.CorrelationID,
			From:          inst.Label(),
			To:            inst.Label(),
			Step:          inst.Step,
			Reason:        fmt.Sprintf("%v: %s", berr.ErrSagaAnomaly, env.Type),
		})
		return bus.Ack()
	}

	m := newMachine(def, inst.Clone(), c.now(), env)
	if err := m.apply(env); err != nil {
		return bus.Retry(err)
	}

	if err := c.store.Update(ctx, m.inst, inst.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			log.DebugContext(ctx, "concurrent saga update, retrying")
		}
		return bus.Retry(fmt.Errorf("save saga %s: %w", def.Name, err))
	}

	c.report(ctx, m.transitions, log)
	c.flush(ctx, m.inst, log)

	return bus.Ack()
}

func (c *Coordinator) start(ctx context.Context, def *Definition, env bus.Envelope, log *slog.Logger) bus.Result {
	if env.Type != def.Trigger {
		log.WarnContext(ctx, "event for unknown saga instance ignored")
		return bus.Ack()
	}

	now := c.now()
	inst := &Instance{
		Saga:          def.Name,
		CorrelationID: env.CorrelationID,
		State:         StateStarted,
		History:       []uuid.UUID{env.ID},
		TriggerID:     env.ID,
		Trigger:       env.Payload,
		StartedAt:     now,
		UpdatedAt:     now,
		Deadline:      now.Add(def.Timeout),
	}

	if err := c.store.Create(ctx, inst); err != nil {
		return bus.Retry(fmt.Errorf("create saga %s: %w", def.Name, err))
	}

	c.report(ctx, []bus.SagaTransitionRecord{{
		Saga:          def.Name,
		CorrelationID: inst.CorrelationID,
		To:            inst.Label(),
		Reason:        env.Type.String(),
	}}, log)

	return bus.Ack()
}

func (c *Coordinator) report(ctx context.Context, transitions []bus.SagaTransitionRecord, log *slog.Logger) {
	for _, t := range transitions {
		c.observer.SagaTransition(ctx, t)
		log.InfoContext(ctx, "saga transition",
			slog.String("from", t.From),
			slog.String("to", t.To),
			slog.String("reason", t.Reason),
		)
	}
}

// flush publishes the outbox in order, dropping each envelope once it is sent. A sent
// compensation of a step without an acknowledgement event settles that step. An
// envelope that keeps failing stays at the head until the coordinator gives up on it
// and dead-letters it.
func (c *Coordinator) flush(ctx context.Context, inst *Instance, log *slog.Logger) {
	for len(inst.Outbox) > 0 {
		env := inst.Outbox[0]
		_, err := c.pub.Publish(ctx, env, bus.PublishOptions{NoDeadLetter: true})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures := inst.FlushFailures + 1
			if failures < c.attempts {
				log.WarnContext(ctx, "saga outbox publish failed, keeping remainder",
					slog.String("emitted_type", env.Type.String()),
					slog.Int("failures", failures),
					slog.Any("err", err),
				)
				c.countFailure(ctx, inst, env, log)
				return
			}
			c.deadLetter(ctx, env, failures, err, log)
		}

		if !c.settle(ctx, inst, env, log) {
			return
		}
	}
}

// settle removes the sent head of the outbox and lets the machine react to it.
func (c *Coordinator) settle(ctx context.Context, inst *Instance, sent bus.Envelope, log *slog.Logger) bool {
	def, known := c.definition(inst.Saga)

	cur := inst
	for range 3 {
		if len(cur.Outbox) == 0 || cur.Outbox[0].ID != sent.ID {
			// another replica settled it
			return false
		}

		next := cur.Clone()
		next.Outbox = next.Outbox[1:]
		next.FlushFailures = 0

		var transitions []bus.SagaTransitionRecord
		if known {
			m := newMachine(def, next, c.now(), sent)
			if err := m.published(sent.Type); err != nil {
				log.WarnContext(ctx, "saga outbox settle failed", slog.Any("err", err))
				return false
			}
			transitions = m.transitions
		}

		err := c.store.Update(ctx, next, cur.Version)
		if err == nil {
			*inst = *next
			c.report(ctx, transitions, log)
			return true
		}
		if !errors.Is(err, ErrVersionConflict) {
			log.WarnContext(ctx, "saga outbox cleanup failed", slog.Any("err", err))
			return false
		}
		if cur, err = c.store.Get(ctx, inst.Saga, inst.CorrelationID); err != nil {
			log.WarnContext(ctx, "saga outbox cleanup failed", slog.Any("err", err))
			return false
		}
	}

	return false
}

func (c *Coordinator) countFailure(ctx context.Context, inst *Instance, head bus.Envelope, log *slog.Logger) {
	next := inst.Clone()
	next.FlushFailures++

	err := c.store.Update(ctx, next, inst.Version)
	switch {
	case err == nil:
		*inst = *next
	case errors.Is(err, ErrVersionConflict):
		// the next flush reloads the instance
	default:
		log.WarnContext(ctx, "saga outbox failure not recorded",
			slog.String("emitted_type", head.Type.String()),
			slog.Any("err", err),
		)
	}
}

func (c *Coordinator) deadLetter(ctx context.Context, env bus.Envelope, failures int, cause error, log *slog.Logger) {
	log.ErrorContext(ctx, "saga outbox envelope abandoned",
		slog.String("emitted_type", env.Type.String()),
		slog.String("emitted_id", env.ID.String()),
		slog.Int("failures", failures),
		slog.Any("err", cause),
	)
	if c.dlq == nil {
		return
	}

	e := env
	dl := bus.DeadLetter{
		Envelope:     &e,
		Topic:        env.Type.String(),
		Reason:       cause.Error(),
		AttemptCount: failures,
		FailedAt:     c.now(),
	}
	if err := c.dlq.DeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		log.ErrorContext(ctx, "dead-letter deposit failed", slog.Any("err", err))
	}
}
