package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/dispatcher"
	"github.com/next-trace/scg-saga-bus/idempotency"
	"github.com/next-trace/scg-saga-bus/publisher"
	"github.com/next-trace/scg-saga-bus/registry"
	"github.com/next-trace/scg-saga-bus/saga"
)

// Bus is concurrency-safe. Register handlers and sagas before Run.
type Bus struct {
	mu sync.Mutex

	reg      *registry.Registry
	pub      *publisher.Publisher
	disp     *dispatcher.Dispatcher
	tracker  *idempotency.Tracker
	sagas    *saga.Coordinator
	consumer bus.Consumer
	logger   *slog.Logger

	janitorEvery time.Duration
	sagaHandles  []registry.Handle
	closers      []func() error
	closeOnce    sync.Once
}

type settings struct {
	logger       *slog.Logger
	observer     bus.Observer
	dlq          bus.DeadLetterSink
	propagator   bus.HeaderPropagator
	tracker      *idempotency.Tracker
	janitorEvery time.Duration
	sagaStore    saga.Store
	sagaOpts     []saga.Option
	pubOpts      []publisher.Option
	dispOpts     []dispatcher.Option
	middleware   []bus.HandlerMiddleware
	closers      []func() error
}

// BusOption configures a Bus instance.
type BusOption func(*settings)

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) BusOption { return func(s *settings) { s.logger = l } }

// WithObserver receives publish, consume and saga transition records.
func WithObserver(o bus.Observer) BusOption { return func(s *settings) { s.observer = o } }

// WithDeadLetter routes dead letters from the publisher, the dispatcher and the saga
// coordinator.
func WithDeadLetter(sink bus.DeadLetterSink) BusOption { return func(s *settings) { s.dlq = sink } }

// WithPropagator carries trace context through message headers.
func WithPropagator(p bus.HeaderPropagator) BusOption { return func(s *settings) { s.propagator = p } }

// WithTracker enables effectively-once handling for handlers that are not naturally
// idempotent. A positive janitor interval purges expired records while Run is active.
func WithTracker(t *idempotency.Tracker, janitorEvery time.Duration) BusOption {
	return func(s *settings) { s.tracker, s.janitorEvery = t, janitorEvery }
}

// WithSagaStore persists saga instances in store.
func WithSagaStore(store saga.Store) BusOption { return func(s *settings) { s.sagaStore = store } }

// WithSagaOptions passes opts to the saga coordinator after the bus defaults.
func WithSagaOptions(opts ...saga.Option) BusOption {
	return func(s *settings) { s.sagaOpts = append(s.sagaOpts, opts...) }
}

// WithPublisherOptions passes opts to the publisher after the bus defaults.
func WithPublisherOptions(opts ...publisher.Option) BusOption {
	return func(s *settings) { s.pubOpts = append(s.pubOpts, opts...) }
}

// WithDispatcherOptions passes opts to the dispatcher after the bus defaults.
func WithDispatcherOptions(opts ...dispatcher.Option) BusOption {
	return func(s *settings) { s.dispOpts = append(s.dispOpts, opts...) }
}

// WithHandlerMiddleware wraps every handler. Middlewares run in registration order.
func WithHandlerMiddleware(mw ...bus.HandlerMiddleware) BusOption {
	return func(s *settings) { s.middleware = append(s.middleware, mw...) }
}

// WithCloser registers a cleanup run by Close, in reverse registration order.
func WithCloser(fn func() error) BusOption {
	return func(s *settings) { s.closers = append(s.closers, fn) }
}

// New wires a Bus that publishes through sender and consumes from consumer.
func New(sender bus.Sender, consumer bus.Consumer, opts ...BusOption) *Bus {
	s := settings{logger: slog.Default(), observer: bus.NopObserver{}}
	for _, opt := range opts {
		opt(&s)
	}

	reg := registry.New()

	pubOpts := []publisher.Option{publisher.WithLogger(s.logger), publisher.WithObserver(s.observer)}
	dispOpts := []dispatcher.Option{
		dispatcher.WithLogger(s.logger),
		dispatcher.WithObserver(s.observer),
		dispatcher.WithMiddleware(s.middleware...),
	}
	if s.dlq != nil {
		pubOpts = append(pubOpts, publisher.WithDeadLetter(s.dlq))
		dispOpts = append(dispOpts, dispatcher.WithDeadLetter(s.dlq))
	}
	if s.propagator != nil {
		pubOpts = append(pubOpts, publisher.WithPropagator(s.propagator))
		dispOpts = append(dispOpts, dispatcher.WithPropagator(s.propagator))
	}
	if s.tracker != nil {
		dispOpts = append(dispOpts, dispatcher.WithTracker(s.tracker))
	}

	pub := publisher.New(sender, append(pubOpts, s.pubOpts...)...)

	sagaOpts := []saga.Option{saga.WithLogger(s.logger), saga.WithObserver(s.observer)}
	if s.sagaStore != nil {
		sagaOpts = append(sagaOpts, saga.WithStore(s.sagaStore))
	}
	if s.dlq != nil {
		sagaOpts = append(sagaOpts, saga.WithDeadLetter(s.dlq))
	}

	return &Bus{
		reg:          reg,
		pub:          pub,
		disp:         dispatcher.New(reg, append(dispOpts, s.dispOpts...)...),
		tracker:      s.tracker,
		sagas:        saga.New(pub, append(sagaOpts, s.sagaOpts...)...),
		consumer:     consumer,
		logger:       s.logger.With(slog.String("component", "servicebus")),
		janitorEvery: s.janitorEvery,
		closers:      s.closers,
	}
}

// Registry exposes the subscription registry, e.g. to derive consumer topics.
func (b *Bus) Registry() *registry.Registry { return b.reg }

// Publisher returns the bus publisher as the narrow publishing contract.
func (b *Bus) Publisher() bus.EnvelopePublisher { return b.pub }

// Sagas returns the coordinator for queries and cancellation.
func (b *Bus) Sagas() *saga.Coordinator { return b.sagas }

// Register subscribes h to t under handlerID.
func (b *Bus) Register(t bus.EventType, handlerID string, h bus.Handler, opts ...registry.Option) (registry.Handle, error) {
	return b.reg.Register(t, handlerID, h, opts...)
}

func (b *Bus) Unregister(h registry.Handle) error { return b.reg.Unregister(h) }

// RegisterSaga adds a saga definition and subscribes the coordinator to its events.
func (b *Bus) RegisterSaga(def saga.Definition) error {
	if err := b.sagas.Register(def); err != nil {
		return fmt.Errorf("register saga %s: %w", def.Name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range b.sagaHandles {
		_ = b.reg.Unregister(h)
	}
	b.sagaHandles = nil

	handles, err := b.sagas.Bind(b.reg)
	if err != nil {
		return fmt.Errorf("bind saga %s: %w", def.Name, err)
	}
	b.sagaHandles = handles

	return nil
}

// Publish sends env with the default at-least-once guarantee unless opts say otherwise.
func (b *Bus) Publish(ctx context.Context, env bus.Envelope, opts ...bus.PublishOptions) (bus.Receipt, error) {
	var o bus.PublishOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return b.pub.Publish(ctx, env, o)
}

// Emit publishes a new root envelope carrying payload.
func (b *Bus) Emit(ctx context.Context, t bus.EventType, payload any, opts ...bus.EnvelopeOption) (bus.Envelope, error) {
	env, err := bus.NewEnvelope(t, payload, opts...)
	if err != nil {
		return bus.Envelope{}, fmt.Errorf("emit %s: %w", t, errors.Join(berr.ErrSerializationFailed, err))
	}
	_, err = b.Publish(ctx, env)
	return env, err
}

// EmitCaused publishes an envelope caused by parent, in parent's business transaction.
func (b *Bus) EmitCaused(ctx context.Context, parent bus.Envelope, t bus.EventType, payload any) (bus.Envelope, error) {
	env, err := bus.Caused(parent, t, payload)
	if err != nil {
		return bus.Envelope{}, fmt.Errorf("emit %s: %w", t, errors.Join(berr.ErrSerializationFailed, err))
	}
	_, err = b.Publish(ctx, env)
	return env, err
}

// CancelSaga requests cancellation of a saga that has not completed any step.
func (b *Bus) CancelSaga(ctx context.Context, name string, correlationID uuid.UUID, reason string) error {
	return b.sagas.Cancel(ctx, name, correlationID, reason)
}

// Run consumes until ctx is done or the consumer stops. The saga sweeper and the
// idempotency janitor run alongside the dispatcher and stop with it.
func (b *Bus) Run(ctx context.Context) error {
	if b.consumer == nil {
		return fmt.Errorf("run: %w: no consumer configured", berr.ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return b.disp.Run(ctx, b.consumer)
	})

	b.mu.Lock()
	sagas := len(b.sagaHandles) > 0
	b.mu.Unlock()
	if sagas {
		g.Go(func() error { return b.sagas.RunSweeper(ctx) })
	}

	if b.tracker != nil && b.janitorEvery > 0 {
		g.Go(func() error { return b.tracker.RunJanitor(ctx, b.janitorEvery) })
	}

	b.logger.InfoContext(ctx, "running", slog.Int("event_types", len(b.reg.EventTypes())), slog.Bool("sagas", sagas))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources registered with WithCloser. It is safe to call more than once.
func (b *Bus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		for i := len(b.closers) - 1; i >= 0; i-- {
			if err := b.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// BatchOptions controls Batch execution behavior.
// OnProgress is called after each envelope is published or given up with done and total.
// OnError is called when publishing an envelope fails with its index, the envelope, and the error.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, env bus.Envelope, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, env bus.Envelope, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// Batch publishes envelopes sequentially in order.
// It stops on context cancellation and joins the errors of failed envelopes.
func (b *Bus) Batch(ctx context.Context, envs []bus.Envelope, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(envs)

	var errs []error

	for i, env := range envs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if _, err := b.Publish(ctx, env); err != nil {
			if o.OnError != nil {
				o.OnError(i, env, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}

// Chain publishes envelopes in order and stops on the first error.
func (b *Bus) Chain(ctx context.Context, envs ...bus.Envelope) error {
	for _, env := range envs {
		if _, err := b.Publish(ctx, env); err != nil {
			return err
		}
	}

	return nil
}
