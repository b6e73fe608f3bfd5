package publisher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-saga-bus/codec"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/publisher"
)

type flakySender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	sent     []bus.Message
}

func (s *flakySender) Send(_ context.Context, m bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

type recordingSink struct {
	mu    sync.Mutex
	items []bus.DeadLetter
}

func (r *recordingSink) DeadLetter(_ context.Context, dl bus.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, dl)
	return nil
}

type recordingObserver struct {
	bus.NopObserver
	mu        sync.Mutex
	published []bus.PublishRecord
	failed    []bus.PublishRecord
}

func (o *recordingObserver) Published(_ context.Context, r bus.PublishRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published = append(o.published, r)
}

func (o *recordingObserver) PublishFailed(_ context.Context, r bus.PublishRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, r)
}

type sleeps struct {
	mu  sync.Mutex
	got []time.Duration
}

func (s *sleeps) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
	return nil
}

func noJitter() publisher.Option {
	cfg := publisher.DefaultConfig()
	cfg.Jitter = 0
	return publisher.WithConfig(cfg)
}

func TestPublishRetriesTransientFailuresThenSucceeds(t *testing.T) {
	sender := &flakySender{failures: 3, err: errors.New("connection refused")}
	obs := &recordingObserver{}
	sl := &sleeps{}
	sink := &recordingSink{}

	p := publisher.New(sender, noJitter(), publisher.WithObserver(obs),
		publisher.WithSleeper(sl.sleep), publisher.WithDeadLetter(sink))

	env := bus.MustEnvelope("OrderPlaced", map[string]string{"orderId": "o-1"})
	rcpt, err := p.Publish(t.Context(), env, bus.PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, rcpt.Attempts)
	assert.Equal(t, env.ID, rcpt.EnvelopeID)
	assert.Equal(t, "OrderPlaced", rcpt.Topic)
	assert.Equal(t, env.CorrelationID.String(), rcpt.Key)

	require.Len(t, sender.sent, 1, "exactly one logical delivery")
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}, sl.got)
	assert.Empty(t, sink.items)

	require.Len(t, obs.published, 1)
	assert.Equal(t, 4, obs.published[0].Attempts)
	assert.Equal(t, env.CorrelationID, obs.published[0].CorrelationID)
}

func TestPublishSetsRoutingHeadersAndKey(t *testing.T) {
	sender := &flakySender{}
	p := publisher.New(sender, publisher.WithRouter(func(t bus.EventType) string { return "orders." + string(t) }))

	parent := bus.MustEnvelope("OrderPlaced", nil)
	child, err := bus.Caused(parent, "InventoryReserved", nil)
	require.NoError(t, err)

	_, err = p.Publish(t.Context(), child, bus.PublishOptions{Headers: map[string]string{"x-tenant": "acme"}})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, "orders.InventoryReserved", m.Topic)
	assert.Equal(t, parent.CorrelationID.String(), m.Key)
	assert.Equal(t, bus.ContentTypeJSON, m.Headers[bus.HeaderContentType])
	assert.Equal(t, child.ID.String(), m.Headers[bus.HeaderEventID])
	assert.Equal(t, "InventoryReserved", m.Headers[bus.HeaderEventType])
	assert.Equal(t, parent.ID.String(), m.Headers[bus.HeaderCausationID])
	assert.Equal(t, "acme", m.Headers["x-tenant"])

	got, err := codec.Decode(m.Body)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)

	_, err = p.Publish(t.Context(), child, bus.PublishOptions{TopicOverride: "custom", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "custom", sender.sent[1].Topic)
	assert.Equal(t, "k", sender.sent[1].Key)
}

func TestPublishExhaustionDeadLetters(t *testing.T) {
	sender := &flakySender{failures: 100, err: berr.Transient(errors.New("broker down"))}
	sink := &recordingSink{}
	obs := &recordingObserver{}
	sl := &sleeps{}

	p := publisher.New(sender, noJitter(), publisher.WithDeadLetter(sink),
		publisher.WithObserver(obs), publisher.WithSleeper(sl.sleep))

	env := bus.MustEnvelope("OrderPlaced", nil)
	_, err := p.Publish(t.Context(), env, bus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrPublishFailed)

	var pe *berr.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 5, pe.Attempts)
	assert.Equal(t, 5, sender.calls)
	assert.Len(t, sl.got, 4)

	require.Len(t, sink.items, 1)
	dl := sink.items[0]
	require.NotNil(t, dl.Envelope)
	assert.Equal(t, env.ID, dl.Envelope.ID)
	assert.Empty(t, dl.HandlerID)
	assert.Equal(t, 5, dl.AttemptCount)
	assert.NotEmpty(t, dl.Raw)

	require.Len(t, obs.failed, 1)
	assert.Empty(t, obs.published)
}

func TestPublishExhaustionLeavesEnvelopeWithCaller(t *testing.T) {
	sender := &flakySender{failures: 100, err: berr.Transient(errors.New("broker down"))}
	sink := &recordingSink{}
	obs := &recordingObserver{}

	p := publisher.New(sender, noJitter(), publisher.WithDeadLetter(sink),
		publisher.WithObserver(obs), publisher.WithSleeper((&sleeps{}).sleep))

	for range 3 {
		_, err := p.Publish(t.Context(), bus.MustEnvelope("OrderFailed", nil), bus.PublishOptions{NoDeadLetter: true})
		require.ErrorIs(t, err, berr.ErrPublishFailed)
	}

	assert.Equal(t, 15, sender.calls)
	assert.Empty(t, sink.items)
	assert.Len(t, obs.failed, 3)
}

func TestPublishPermanentErrorIsNotRetried(t *testing.T) {
	sender := &flakySender{failures: 1, err: berr.Permanent(errors.New("topic does not exist"))}
	sink := &recordingSink{}

	p := publisher.New(sender, publisher.WithDeadLetter(sink), publisher.WithSleeper((&sleeps{}).sleep))

	_, err := p.Publish(t.Context(), bus.MustEnvelope("X", nil), bus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.Equal(t, 1, sender.calls)
	assert.Len(t, sink.items, 1)
}

func TestPublishAtMostOnceIsSingleAttempt(t *testing.T) {
	sender := &flakySender{failures: 1, err: errors.New("timeout")}
	sink := &recordingSink{}

	p := publisher.New(sender, publisher.WithDeadLetter(sink))

	_, err := p.Publish(t.Context(), bus.MustEnvelope("X", nil), bus.PublishOptions{Guarantee: bus.AtMostOnce})
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.Equal(t, 1, sender.calls)
	assert.Empty(t, sink.items)
}

func TestPublishStopsWhenContextCanceled(t *testing.T) {
	sender := &flakySender{failures: 100, err: errors.New("refused")}
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(t.Context())
	p := publisher.New(sender, publisher.WithDeadLetter(sink), publisher.WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := p.Publish(ctx, bus.MustEnvelope("X", nil), bus.PublishOptions{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sender.calls)
	assert.Empty(t, sink.items)
}

func TestPublishInvalidEnvelope(t *testing.T) {
	sender := &flakySender{}
	p := publisher.New(sender)

	_, err := p.Publish(t.Context(), bus.Envelope{Type: "X"}, bus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrSerializationFailed)
	assert.Zero(t, sender.calls)
}

func TestBackoffIsCapped(t *testing.T) {
	cfg := publisher.DefaultConfig()
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 3200*time.Millisecond, cfg.Backoff(5))
	assert.Equal(t, 30*time.Second, cfg.Backoff(20))
}
