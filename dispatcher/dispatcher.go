// Package dispatcher consumes raw messages, decodes them, resolves the subscribed
// handlers and decides how each message is acknowledged.
//
// Per message: undecodable bytes are dead-lettered and acknowledged; ordered handlers
// run one after another in registration order and a Retry stops the chain; unordered
// handlers run concurrently on a bounded worker pool. A Fail outcome dead-letters the
// envelope with the handler identity. The message is acknowledged once every handler
// reached ack or fail, and negatively acknowledged with requeue when any handler asked
// for a retry.
//
// Messages sharing a correlation id are processed strictly one after another in the
// order the transport delivered them; different correlation ids proceed in parallel.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/next-trace/scg-saga-bus/codec"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/deadletter"
	"github.com/next-trace/scg-saga-bus/idempotency"
	"github.com/next-trace/scg-saga-bus/internal/perkey"
	"github.com/next-trace/scg-saga-bus/observability"
	"github.com/next-trace/scg-saga-bus/registry"
)

// Config sizes the dispatcher.
type Config struct {
	// Workers bounds concurrently running unordered handlers (default GOMAXPROCS).
	Workers int
	// MaxInFlight bounds accepted but unfinished messages (default 4 × Workers).
	MaxInFlight int
	// HandlerTimeout bounds a single handler invocation; expiry means Retry. Zero disables it.
	HandlerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4 * c.Workers
	}
	return c
}

// Dispatcher is safe for concurrent use. One Dispatcher serves one service process.
type Dispatcher struct {
	reg        *registry.Registry
	codec      *codec.Codec
	tracker    *idempotency.Tracker
	dlq        bus.DeadLetterSink
	observer   bus.Observer
	propagator bus.HeaderPropagator
	middleware []bus.HandlerMiddleware
	logger     *slog.Logger
	cfg        Config

	workers  *semaphore.Weighted
	inflight *semaphore.Weighted
	lanes    *perkey.Scheduler[string]
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets concurrency limits and the handler timeout; zero fields take defaults.
func WithConfig(cfg Config) Option { return func(d *Dispatcher) { d.cfg = cfg } }

// WithCodec replaces the default envelope codec.
func WithCodec(c *codec.Codec) Option { return func(d *Dispatcher) { d.codec = c } }

// WithTracker enables duplicate suppression for handlers not flagged naturally idempotent.
func WithTracker(t *idempotency.Tracker) Option { return func(d *Dispatcher) { d.tracker = t } }

// WithDeadLetter sets the sink for failed and undecodable messages.
func WithDeadLetter(s bus.DeadLetterSink) Option { return func(d *Dispatcher) { d.dlq = s } }

// WithObserver reports handler outcomes to o.
func WithObserver(o bus.Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithPropagator extracts trace context from delivery headers.
func WithPropagator(p bus.HeaderPropagator) Option {
	return func(d *Dispatcher) { d.propagator = p }
}

// WithMiddleware wraps every handler; the first middleware runs first.
func WithMiddleware(mw ...bus.HandlerMiddleware) Option {
	return func(d *Dispatcher) { d.middleware = append(d.middleware, mw...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New constructs a Dispatcher resolving handlers from reg.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:        reg,
		codec:      codec.New(),
		observer:   bus.NopObserver{},
		propagator: bus.NopHeaderPropagator{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.cfg = d.cfg.withDefaults()
	d.logger = d.logger.With(slog.String("component", "dispatcher"))
	if d.dlq == nil {
		d.dlq = deadletter.NewLogSink(d.logger)
	}
	d.workers = semaphore.NewWeighted(int64(d.cfg.Workers))
	d.inflight = semaphore.NewWeighted(int64(d.cfg.MaxInFlight))
	d.lanes = perkey.New[string]()

	return d
}

// Run feeds deliveries from consumer until ctx is done or the consumer fails, then
// waits for accepted messages to finish.
func (d *Dispatcher) Run(ctx context.Context, consumer bus.Consumer) error {
	err := consumer.Consume(ctx, d.Deliver)
	d.Wait()

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}

	return err
}

// Wait blocks until every accepted delivery has been acknowledged or rejected.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Deliver accepts one raw message. Transports must call it sequentially in delivery
// order; it returns once the message is queued on its correlation lane and blocks
// while MaxInFlight messages are unfinished.
func (d *Dispatcher) Deliver(ctx context.Context, del bus.Delivery) {
	settle := context.WithoutCancel(ctx)

	env, err := d.codec.Decode(del.Body())
	if err != nil {
		d.rejectUndecodable(ctx, del, err)
		return
	}

	if err := d.inflight.Acquire(ctx, 1); err != nil {
		d.nack(settle, del, env)
		return
	}

	d.wg.Add(1)
	err = d.lanes.Submit(ctx, env.CorrelationID.String(), func() {
		defer d.wg.Done()
		defer d.inflight.Release(1)
		d.process(ctx, del, env)
	})
	if err != nil {
		d.wg.Done()
		d.inflight.Release(1)
		d.nack(settle, del, env)
	}
}

func (d *Dispatcher) rejectUndecodable(ctx context.Context, del bus.Delivery, cause error) {
	settle := context.WithoutCancel(ctx)

	dl := bus.DeadLetter{
		Raw:          append([]byte(nil), del.Body()...),
		Topic:        del.Topic(),
		Reason:       cause.Error(),
		AttemptCount: del.Attempt(),
		FailedAt:     time.Now().UTC(),
	}

	if err := d.dlq.DeadLetter(settle, dl); err != nil {
		d.logger.ErrorContext(ctx, "dead-letter of undecodable message failed, requeueing",
			slog.String("topic", del.Topic()),
			slog.Any("err", errors.Join(cause, err)),
		)
		if err := del.Nack(settle, true); err != nil {
			d.logger.WarnContext(ctx, "nack failed", slog.Any("err", err))
		}
		return
	}

	d.logger.WarnContext(ctx, "undecodable message dead-lettered",
		slog.String("topic", del.Topic()),
		slog.Any("err", cause),
	)
	if err := del.Ack(settle); err != nil {
		d.logger.WarnContext(ctx, "ack failed", slog.Any("err", err))
	}
}

func (d *Dispatcher) process(ctx context.Context, del bus.Delivery, env bus.Envelope) {
	settle := context.WithoutCancel(ctx)
	ctx = d.propagator.Extract(ctx, del.Headers())

	entries := d.reg.Lookup(env.Type)
	if len(entries) == 0 {
		d.logger.DebugContext(ctx, "no handlers subscribed, acknowledging",
			slog.String("event_type", env.Type.String()),
			slog.String("event_id", env.ID.String()),
		)
		d.ack(settle, del, env)
		return
	}

	var ordered, unordered []registry.Entry
	for _, e := range entries {
		if e.Ordered {
			ordered = append(ordered, e)
		} else {
			unordered = append(unordered, e)
		}
	}

	var (
		mu    sync.Mutex
		retry bool
		g     errgroup.Group
	)
	markRetry := func() {
		mu.Lock()
		retry = true
		mu.Unlock()
	}

	for _, e := range unordered {
		if err := d.workers.Acquire(ctx, 1); err != nil {
			markRetry()
			break
		}
		g.Go(func() error {
			defer d.workers.Release(1)
			if res := d.invoke(ctx, del, env, e); res.Outcome == bus.OutcomeRetry {
				markRetry()
			}
			return nil
		})
	}

	for _, e := range ordered {
		if res := d.invoke(ctx, del, env, e); res.Outcome == bus.OutcomeRetry {
			markRetry()
			break
		}
	}

	_ = g.Wait()

	if retry {
		d.nack(settle, del, env)
		return
	}
	d.ack(settle, del, env)
}

// invoke runs one handler with duplicate suppression, timeout, tracing and panic
// recovery, and dead-letters permanent failures. The returned outcome is final.
func (d *Dispatcher) invoke(ctx context.Context, del bus.Delivery, env bus.Envelope, e registry.Entry) bus.Result {
	start := time.Now()
	rec := bus.ConsumeRecord{
		EventType:     env.Type,
		CorrelationID: env.CorrelationID,
		HandlerID:     e.HandlerID,
		Attempt:       del.Attempt(),
	}
	log := d.logger.With(
		slog.String("handler_id", e.HandlerID),
		slog.Group("event",
			slog.String("id", env.ID.String()),
			slog.String("type", env.Type.String()),
			slog.String("correlation_id", env.CorrelationID.String()),
		),
	)

	claimed := false
	if d.tracker != nil && !e.NaturallyIdempotent {
		res, dup := d.claim(ctx, env, e)
		if dup || res.Outcome != bus.OutcomeAck {
			rec.Outcome, rec.Err, rec.Duplicate = res.Outcome, res.Err, dup
			rec.Latency = time.Since(start)
			if dup {
				log.DebugContext(ctx, "duplicate suppressed", slog.Any("reason", berr.ErrDuplicateSuppressed))
			} else {
				log.WarnContext(ctx, "idempotency store unavailable", slog.Any("err", res.Err))
			}
			d.observer.Consumed(ctx, rec)
			return res
		}
		claimed = true
	}

	res := d.run(ctx, env, e)

	if res.Outcome == bus.OutcomeFail {
		dl := bus.DeadLetter{
			Envelope:     &env,
			Raw:          del.Body(),
			Topic:        del.Topic(),
			Reason:       errString(res.Err),
			HandlerID:    e.HandlerID,
			AttemptCount: del.Attempt(),
			FailedAt:     time.Now().UTC(),
		}
		if err := d.dlq.DeadLetter(context.WithoutCancel(ctx), dl); err != nil {
			log.ErrorContext(ctx, "dead-letter failed, retrying instead", slog.Any("err", err))
			res = bus.Retry(errors.Join(res.Err, err))
		}
	}

	if res.Outcome == bus.OutcomeRetry && claimed {
		if err := d.tracker.Forget(context.WithoutCancel(ctx), e.HandlerID, env.ID); err != nil {
			log.ErrorContext(ctx, "releasing idempotency claim failed", slog.Any("err", err))
		}
	}

	rec.Outcome, rec.Err = res.Outcome, res.Err
	rec.Latency = time.Since(start)
	d.observer.Consumed(ctx, rec)

	switch res.Outcome {
	case bus.OutcomeAck:
		log.DebugContext(ctx, "handled", slog.Duration("duration", rec.Latency))
	case bus.OutcomeRetry:
		log.WarnContext(ctx, "handler asked for retry", slog.Any("err", res.Err), slog.Int("attempt", rec.Attempt))
	default:
		log.ErrorContext(ctx, "handler failed permanently", slog.Any("err", res.Err))
	}

	return res
}

// claim reports dup=true when another delivery already processed the event.
// A non-Ack result means the claim could not be decided.
func (d *Dispatcher) claim(ctx context.Context, env bus.Envelope, e registry.Entry) (bus.Result, bool) {
	ok, err := d.tracker.ShouldProcess(ctx, e.HandlerID, env.ID)
	if err != nil {
		return bus.Retry(err), false
	}
	if !ok {
		return bus.Ack(), true
	}

	won, err := d.tracker.MarkProcessed(ctx, e.HandlerID, env.ID)
	if err != nil {
		return bus.Retry(err), false
	}
	if !won {
		return bus.Ack(), true
	}

	return bus.Ack(), false
}

func (d *Dispatcher) run(ctx context.Context, env bus.Envelope, e registry.Entry) (res bus.Result) {
	h := bus.Chain(e.HandlerID, e.Handler, d.middleware...)

	hctx := ctx
	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	hctx, span := observability.StartHandlerSpan(hctx, e.HandlerID, env)
	defer func() { observability.EndHandlerSpan(span, res) }()

	defer func() {
		if r := recover(); r != nil {
			res = bus.Fail(&berr.HandlerFailure{
				HandlerID: e.HandlerID,
				EventID:   env.ID.String(),
				Err:       fmt.Errorf("panic: %v", r),
			})
		}
	}()

	res = h.Handle(hctx, env)

	switch res.Outcome {
	case bus.OutcomeAck, bus.OutcomeRetry:
	case bus.OutcomeFail:
		res.Err = &berr.HandlerFailure{HandlerID: e.HandlerID, EventID: env.ID.String(), Err: res.Err}
	default:
		res = bus.Fail(&berr.HandlerFailure{
			HandlerID: e.HandlerID,
			EventID:   env.ID.String(),
			Err:       fmt.Errorf("unknown outcome %d", res.Outcome),
		})
	}

	if res.Outcome != bus.OutcomeAck && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res = bus.Retry(fmt.Errorf("handler %s timed out after %s: %w", e.HandlerID, d.cfg.HandlerTimeout, hctx.Err()))
	}

	return res
}

func (d *Dispatcher) ack(ctx context.Context, del bus.Delivery, env bus.Envelope) {
	if err := del.Ack(ctx); err != nil {
		d.logger.WarnContext(ctx, "ack failed", slog.String("event_id", env.ID.String()), slog.Any("err", err))
	}
}

func (d *Dispatcher) nack(ctx context.Context, del bus.Delivery, env bus.Envelope) {
	if err := del.Nack(ctx, true); err != nil {
		d.logger.WarnContext(ctx, "nack failed", slog.String("event_id", env.ID.String()), slog.Any("err", err))
	}
}

func errString(err error) string {
	if err == nil {
		return "handler failed"
	}
	return err.Error()
}
