package servicebus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-saga-bus/adapters/inmemory"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/deadletter"
	"github.com/next-trace/scg-saga-bus/idempotency"
	"github.com/next-trace/scg-saga-bus/publisher"
	"github.com/next-trace/scg-saga-bus/registry"
	"github.com/next-trace/scg-saga-bus/saga"
	"github.com/next-trace/scg-saga-bus/servicebus"
)

const (
	userRegistered bus.EventType = "UserRegistered"
	welcomeSent    bus.EventType = "WelcomeSent"
)

type registration struct {
	Email string `json:"email"`
}

func run(t *testing.T, b *servicebus.Bus) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("bus did not stop")
		}
	})
}

func TestBus_EmitReachesTypedHandler(t *testing.T) {
	broker := inmemory.New()
	b := servicebus.New(broker, broker.Consumer("notification"))

	got := make(chan registration, 1)
	_, err := servicebus.On(b, userRegistered, "notification:welcome",
		func(ctx context.Context, env bus.Envelope, p registration) error {
			got <- p
			_, err := b.EmitCaused(ctx, env, welcomeSent, p)
			return err
		})
	require.NoError(t, err)

	run(t, b)

	root, err := b.Emit(t.Context(), userRegistered, registration{Email: "ada@example.com"})
	require.NoError(t, err)

	select {
	case p := <-got:
		assert.Equal(t, "ada@example.com", p.Email)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	require.Eventually(t, func() bool { return len(broker.Messages()) == 2 }, 2*time.Second, 5*time.Millisecond)

	follow := broker.Messages()[1]
	assert.Equal(t, string(welcomeSent), follow.Topic)
	assert.Equal(t, root.CorrelationID.String(), follow.Key)
	assert.Equal(t, root.ID.String(), follow.Headers[bus.HeaderCausationID])
}

func TestBus_RunReturnsWhenCancelledWithQueuedMessages(t *testing.T) {
	broker := inmemory.New()
	b := servicebus.New(broker, broker.Consumer("svc"))

	_, err := servicebus.On(b, userRegistered, "svc:h",
		func(context.Context, bus.Envelope, registration) error { return nil })
	require.NoError(t, err)

	_, err = b.Emit(t.Context(), userRegistered, registration{Email: "ada@example.com"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation; stats %+v", broker.Stats())
	}
	assert.Zero(t, broker.Stats().Redelivered)
}

func TestBus_UndecodablePayloadIsDeadLettered(t *testing.T) {
	broker := inmemory.New()
	dlq := deadletter.NewMemorySink()
	b := servicebus.New(broker, broker.Consumer("svc"), servicebus.WithDeadLetter(dlq))

	_, err := servicebus.On(b, userRegistered, "svc:h",
		func(context.Context, bus.Envelope, registration) error { return nil })
	require.NoError(t, err)

	run(t, b)

	_, err = b.Emit(t.Context(), userRegistered, []int{1, 2})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	dl := dlq.List()[0]
	assert.Equal(t, "svc:h", dl.HandlerID)
	assert.Eventually(t, func() bool { return broker.Stats().Acked == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bus.Outcome
	}{
		{"nil", nil, bus.OutcomeAck},
		{"plain", errors.New("db timeout"), bus.OutcomeRetry},
		{"permanent", berr.Permanent(errors.New("unknown sku")), bus.OutcomeFail},
		{"handler failure", &berr.HandlerFailure{HandlerID: "h", Err: errors.New("x")}, bus.OutcomeFail},
		{"decode", berr.Decode("bad", nil), bus.OutcomeFail},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, servicebus.Outcome(tc.err).Outcome)
		})
	}
}

func TestBus_RegisterUnregister(t *testing.T) {
	b := servicebus.New(bus.SenderFunc(func(context.Context, bus.Message) error { return nil }), nil)

	h, err := b.Register(userRegistered, "a", bus.HandlerFunc(func(context.Context, bus.Envelope) bus.Result { return bus.Ack() }), registry.Ordered())
	require.NoError(t, err)

	_, err = b.Register(userRegistered, "a", bus.HandlerFunc(func(context.Context, bus.Envelope) bus.Result { return bus.Ack() }))
	require.ErrorIs(t, err, berr.ErrHandlerExists)

	require.Len(t, b.Registry().Lookup(userRegistered), 1)
	require.NoError(t, b.Unregister(h))
	assert.Empty(t, b.Registry().Lookup(userRegistered))
}

func TestBus_RunWithoutConsumer(t *testing.T) {
	b := servicebus.New(bus.SenderFunc(func(context.Context, bus.Message) error { return nil }), nil)
	assert.ErrorIs(t, b.Run(t.Context()), berr.ErrInvalidConfig)
}

func TestBus_RunStopsWhenConsumerStops(t *testing.T) {
	broker := inmemory.New()
	b := servicebus.New(broker, broker.Consumer("svc"), servicebus.WithTracker(idempotency.NewTracker(idempotency.NewMemoryStore()), time.Millisecond))
	require.NoError(t, b.RegisterSaga(welcomeSaga()))

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, broker.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after the broker closed")
	}
}

func welcomeSaga() saga.Definition {
	return saga.Definition{
		Name:    "onboarding",
		Trigger: userRegistered,
		Steps: []saga.Step{
			{Name: "Welcome", Succeeded: welcomeSent, Failed: []bus.EventType{"WelcomeBounced"}},
		},
		Completed: "UserOnboarded",
	}
}

func TestBus_SagaRunsOverTransport(t *testing.T) {
	broker := inmemory.New()
	store := saga.NewMemoryStore()
	b := servicebus.New(broker, broker.Consumer("coordinator"), servicebus.WithSagaStore(store))
	require.NoError(t, b.RegisterSaga(welcomeSaga()))
	require.ErrorIs(t, b.RegisterSaga(welcomeSaga()), berr.ErrHandlerExists)

	run(t, b)

	root, err := b.Emit(t.Context(), userRegistered, registration{Email: "grace@example.com"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := b.Sagas().Get(t.Context(), "onboarding", root.CorrelationID)
		return err == nil && inst.State == saga.StateStarted
	}, 2*time.Second, 5*time.Millisecond)

	_, err = b.EmitCaused(t.Context(), root, welcomeSent, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		inst, err := b.Sagas().Get(t.Context(), "onboarding", root.CorrelationID)
		return err == nil && inst.State == saga.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, m := range broker.Messages() {
			if m.Topic == "UserOnboarded" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

type flakySender struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []string
}

func (s *flakySender) Send(_ context.Context, m bus.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail[m.Topic] {
		return berr.Permanent(errors.New("topic does not exist"))
	}
	s.sent = append(s.sent, m.Topic)
	return nil
}

func TestBus_BatchAndChain(t *testing.T) {
	sender := &flakySender{fail: map[string]bool{"Broken": true}}
	b := servicebus.New(sender, nil,
		servicebus.WithPublisherOptions(publisher.WithConfig(publisher.Config{MaxAttempts: 1})),
		servicebus.WithDeadLetter(deadletter.NewMemorySink()),
	)

	envs := []bus.Envelope{
		bus.MustEnvelope("A", nil),
		bus.MustEnvelope("Broken", nil),
		bus.MustEnvelope("C", nil),
	}

	var (
		progress []int
		failed   []int
	)
	err := b.Batch(t.Context(), envs,
		servicebus.WithBatchProgress(func(done, _ int) { progress = append(progress, done) }),
		servicebus.WithBatchOnError(func(i int, _ bus.Envelope, _ error) { failed = append(failed, i) }),
	)
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.Equal(t, []int{1, 2, 3}, progress)
	assert.Equal(t, []int{1}, failed)
	assert.Equal(t, []string{"A", "C"}, sender.sent)

	sender.sent = nil
	require.Error(t, b.Chain(t.Context(), envs...))
	assert.Equal(t, []string{"A"}, sender.sent, "chain stops at the first failure")
}

func TestBus_CloseRunsClosersOnceInReverse(t *testing.T) {
	var order []string
	b := servicebus.New(bus.SenderFunc(func(context.Context, bus.Message) error { return nil }), nil,
		servicebus.WithCloser(func() error { order = append(order, "transport"); return nil }),
		servicebus.WithCloser(func() error { order = append(order, "store"); return errors.New("busy") }),
	)

	require.Error(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, []string{"store", "transport"}, order)
}
