// Package publisher hands envelopes to a transport with delivery guarantees.
//
// At-least-once publishes retry transient transport failures with exponential backoff and
// jitter; once attempts are exhausted the envelope is deposited in the dead-letter sink and
// the caller receives a *errors.PublishError. At-most-once publishes make a single attempt.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/next-trace/scg-saga-bus/codec"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// Config controls retry behavior for at-least-once publishes.
type Config struct {
	// MaxAttempts includes the initial attempt.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Jitter is the symmetric random spread applied to every backoff (0.2 = ±20%).
	Jitter float64
}

// DefaultConfig returns the standard retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		Jitter:      0.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = d.Jitter
	}
	return c
}

// Backoff returns the nominal delay before retry number n (1-based), without jitter.
func (c Config) Backoff(n int) time.Duration {
	d := c.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(d, c.MaxBackoff)
}

// Router maps an event type to a topic.
type Router func(t bus.EventType) string

// TypeRouter publishes every event type to the topic of the same name.
func TypeRouter(t bus.EventType) string { return string(t) }

// Publisher is safe for concurrent use.
type Publisher struct {
	sender     bus.Sender
	codec      *codec.Codec
	cfg        Config
	router     Router
	dlq        bus.DeadLetterSink
	observer   bus.Observer
	propagator bus.HeaderPropagator
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func() float64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithConfig sets the retry configuration; zero fields take defaults.
func WithConfig(cfg Config) Option { return func(p *Publisher) { p.cfg = cfg.withDefaults() } }

// WithRouter replaces TypeRouter.
func WithRouter(r Router) Option { return func(p *Publisher) { p.router = r } }

// WithCodec replaces the default envelope codec.
func WithCodec(c *codec.Codec) Option { return func(p *Publisher) { p.codec = c } }

// WithDeadLetter sets the sink for envelopes that exhausted their attempts.
func WithDeadLetter(s bus.DeadLetterSink) Option { return func(p *Publisher) { p.dlq = s } }

// WithObserver reports publish outcomes to o.
func WithObserver(o bus.Observer) Option { return func(p *Publisher) { p.observer = o } }

// WithPropagator injects trace context into outgoing headers.
func WithPropagator(hp bus.HeaderPropagator) Option {
	return func(p *Publisher) { p.propagator = hp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Publisher) { p.logger = l } }

// WithSleeper replaces the backoff wait, e.g. to avoid real delays in tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Publisher) { p.sleep = fn }
}

// New constructs a Publisher over sender.
func New(sender bus.Sender, opts ...Option) *Publisher {
	p := &Publisher{
		sender:     sender,
		codec:      codec.New(),
		cfg:        DefaultConfig(),
		router:     TypeRouter,
		observer:   bus.NopObserver{},
		propagator: bus.NopHeaderPropagator{},
		logger:     slog.Default(),
		sleep:      sleepCtx,
		jitter:     rand.Float64, // #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish encodes env and sends it. The returned Receipt is only meaningful on success.
// The caller must not treat its own transaction as committed until Publish returns nil,
// unless it explicitly asked for AtMostOnce.
func (p *Publisher) Publish(ctx context.Context, env bus.Envelope, opts bus.PublishOptions) (bus.Receipt, error) {
	start := time.Now()

	topic := opts.TopicOverride
	if topic == "" {
		topic = p.router(env.Type)
	}
	key := opts.Key
	if key == "" {
		key = env.CorrelationID.String()
	}

	rec := bus.PublishRecord{EventType: env.Type, CorrelationID: env.CorrelationID, Topic: topic}

	body, err := p.codec.Encode(env)
	if err != nil {
		return bus.Receipt{}, p.giveUp(ctx, env, nil, topic, opts, rec, 0, start, err)
	}

	msg := bus.Message{Topic: topic, Key: key, Body: body, Headers: p.headers(ctx, env, opts.Headers)}

	maxAttempts := p.cfg.MaxAttempts
	if opts.Guarantee == bus.AtMostOnce {
		maxAttempts = 1
	}

	var attempts int
	for {
		attempts++

		err = p.sender.Send(ctx, msg)
		if err == nil {
			break
		}

		if attempts >= maxAttempts || !berr.IsTransient(err) {
			return bus.Receipt{}, p.giveUp(ctx, env, body, topic, opts, rec, attempts, start, err)
		}

		wait := p.jittered(p.cfg.Backoff(attempts))
		p.logger.DebugContext(ctx, "publish attempt failed, backing off",
			slog.String("event_type", env.Type.String()),
			slog.String("event_id", env.ID.String()),
			slog.Int("attempt", attempts),
			slog.Duration("backoff", wait),
			slog.Any("err", err),
		)

		if err := p.sleep(ctx, wait); err != nil {
			return bus.Receipt{}, p.giveUp(ctx, env, body, topic, opts, rec, attempts, start, err)
		}
	}

	latency := time.Since(start)
	rec.Attempts = attempts
	rec.Latency = latency
	p.observer.Published(ctx, rec)

	return bus.Receipt{
		EnvelopeID: env.ID,
		Topic:      topic,
		Key:        key,
		Attempts:   attempts,
		Latency:    latency,
	}, nil
}

func (p *Publisher) giveUp(
	ctx context.Context,
	env bus.Envelope,
	body []byte,
	topic string,
	opts bus.PublishOptions,
	rec bus.PublishRecord,
	attempts int,
	start time.Time,
	cause error,
) error {
	rec.Attempts = attempts
	rec.Latency = time.Since(start)
	rec.Err = cause
	p.observer.PublishFailed(ctx, rec)

	err := &berr.PublishError{EventID: env.ID.String(), Attempts: attempts, Err: cause}

	// The caller abandoned the publish or keeps the envelope itself.
	if opts.Guarantee == bus.AtMostOnce || opts.NoDeadLetter ||
		errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return err
	}

	if p.dlq != nil {
		e := env
		dl := bus.DeadLetter{
			Envelope:     &e,
			Raw:          body,
			Topic:        topic,
			Reason:       cause.Error(),
			AttemptCount: attempts,
			FailedAt:     time.Now().UTC(),
		}
		if dlErr := p.dlq.DeadLetter(context.WithoutCancel(ctx), dl); dlErr != nil {
			p.logger.ErrorContext(ctx, "dead-letter deposit failed",
				slog.String("event_id", env.ID.String()),
				slog.Any("err", dlErr),
			)
			return errors.Join(err, fmt.Errorf("dead-letter: %w", dlErr))
		}
	}

	p.logger.WarnContext(ctx, "publish failed",
		slog.String("event_type", env.Type.String()),
		slog.String("event_id", env.ID.String()),
		slog.String("topic", topic),
		slog.Int("attempts", attempts),
		slog.Any("err", cause),
	)

	return err
}

func (p *Publisher) headers(ctx context.Context, env bus.Envelope, extra map[string]string) map[string]string {
	h := make(map[string]string, len(extra)+6)
	for k, v := range extra {
		h[k] = v
	}

	h[bus.HeaderContentType] = bus.ContentTypeJSON
	h[bus.HeaderEventID] = env.ID.String()
	h[bus.HeaderEventType] = env.Type.String()
	h[bus.HeaderCorrelationID] = env.CorrelationID.String()
	if env.CausationID.Valid {
		h[bus.HeaderCausationID] = env.CausationID.UUID.String()
	}

	p.propagator.Inject(ctx, h)

	return h
}

func (p *Publisher) jittered(d time.Duration) time.Duration {
	if p.cfg.Jitter == 0 {
		return d
	}
	f := 1 + p.cfg.Jitter*(2*p.jitter()-1)
	return time.Duration(float64(d) * f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
