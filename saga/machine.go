package saga

import (
	"fmt"
	"slices"
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// machine applies one input to a working copy of an instance. Emitted envelopes go
// to the instance outbox and are persisted with the state.
type machine struct {
	def   *Definition
	inst  *Instance
	now   time.Time
	cause bus.Envelope

	transitions []bus.SagaTransitionRecord
}

func newMachine(def *Definition, inst *Instance, now time.Time, cause bus.Envelope) *machine {
	return &machine{def: def, inst: inst, now: now, cause: cause}
}

type cancellation struct {
	Reason string `json:"reason"`
}

// apply feeds one delivered envelope to the state machine.
func (m *machine) apply(env bus.Envelope) error {
	m.inst.History = append(m.inst.History, env.ID)
	m.inst.UpdatedAt = m.now

	role, step := m.def.classify(env.Type)
	switch role {
	case roleSucceeded:
		return m.stepSucceeded(step, env.Type)
	case roleFailed:
		if m.inst.State.Live() {
			return m.compensate(fmt.Sprintf("step %s failed: %s", step.Name, env.Type))
		}
	case roleCancel:
		if m.inst.State != StateStarted || len(m.inst.Completed) > 0 {
			m.anomaly(env.Type)
			return nil
		}
		var c cancellation
		if err := env.Decode(&c); err != nil || c.Reason == "" {
			c.Reason = "requested"
		}
		return m.compensate("cancelled: " + c.Reason)
	case roleCompensated:
		return m.compensated(step)
	}

	return nil
}

// expire compensates a live saga that missed its deadline.
func (m *machine) expire() error {
	m.inst.UpdatedAt = m.now
	return m.compensate(fmt.Sprintf("%v: no progress in %s since %s",
		berr.ErrSagaTimeout, m.inst.Label(), m.inst.Deadline.Add(-m.def.Timeout).Format(time.RFC3339)))
}

func (m *machine) stepSucceeded(step Step, t bus.EventType) error {
	if m.inst.completed(step.Name) {
		return nil
	}

	switch {
	case m.inst.State.Live():
		m.inst.Completed = append(m.inst.Completed, step.Name)
		m.inst.Step = len(m.inst.Completed)
		m.inst.Deadline = m.now.Add(m.def.Timeout)
		m.move(StateStepCompleted, string(t))

		if m.inst.Step == len(m.def.Steps) {
			m.inst.Deadline = time.Time{}
			m.inst.FinishedAt = m.now
			m.move(StateCompleted, "all steps succeeded")
			return m.emit(m.def.Completed)
		}
	case m.inst.State == StateCompensating:
		// A step that finished after compensation began still has to be undone.
		m.inst.Completed = append(m.inst.Completed, step.Name)
		if step.Compensation == "" {
			return nil
		}
		if len(m.inst.Pending) == 0 {
			m.inst.Pending = []string{step.Name}
			return m.advance()
		}
		m.inst.Pending = slices.Insert(m.inst.Pending, 1, step.Name)
	}

	return nil
}

func (m *machine) compensate(reason string) error {
	m.inst.Reason = reason
	m.inst.Deadline = time.Time{}
	m.move(StateCompensating, reason)

	m.inst.Pending = m.inst.Pending[:0]
	for _, name := range slices.Backward(m.inst.Completed) {
		if s, ok := m.def.step(name); ok && s.Compensation != "" {
			m.inst.Pending = append(m.inst.Pending, name)
		}
	}

	return m.advance()
}

func (m *machine) compensated(step Step) error {
	if m.inst.State != StateCompensating || len(m.inst.Pending) == 0 || m.inst.Pending[0] != step.Name {
		return nil
	}
	m.inst.Pending = m.inst.Pending[1:]

	return m.advance()
}

// published settles the head of the compensation queue once its compensation has
// reached the transport, for steps that expect no acknowledgement event.
func (m *machine) published(t bus.EventType) error {
	if m.inst.State != StateCompensating || len(m.inst.Pending) == 0 {
		return nil
	}
	s, ok := m.def.step(m.inst.Pending[0])
	if !ok || s.Compensated != "" || s.Compensation != t {
		return nil
	}
	m.inst.UpdatedAt = m.now
	m.inst.Pending = m.inst.Pending[1:]

	return m.advance()
}

// advance emits the compensation of the first pending step. An empty queue fails the saga.
func (m *machine) advance() error {
	if len(m.inst.Pending) > 0 {
		s, _ := m.def.step(m.inst.Pending[0])
		return m.emit(s.Compensation)
	}

	m.inst.Pending = nil
	m.inst.FinishedAt = m.now
	m.move(StateFailed, m.inst.Reason)

	return m.emit(m.def.Failed)
}

func (m *machine) emit(t bus.EventType) error {
	if t == "" {
		return nil
	}

	var payload any
	switch {
	case m.def.Payload != nil:
		p, err := m.def.Payload(t, m.inst)
		if err != nil {
			return fmt.Errorf("build %s payload: %w", t, err)
		}
		payload = p
	case len(m.inst.Trigger) > 0:
		payload = m.inst.Trigger
	}

	env, err := bus.Caused(m.cause, t, payload, bus.WithOccurredAt(m.now))
	if err != nil {
		return fmt.Errorf("build %s: %w", t, err)
	}
	m.inst.Outbox = append(m.inst.Outbox, env)

	return nil
}

func (m *machine) move(to State, reason string) {
	from := m.inst.Label()
	m.inst.State = to
	m.transitions = append(m.transitions, bus.SagaTransitionRecord{
		Saga:          m.def.Name,
		CorrelationID: m.inst.CorrelationID,
		From:          from,
		To:            m.inst.Label(),
		Step:          m.inst.Step,
		Reason:        reason,
	})
}

// anomaly records an input the current state does not accept.
func (m *machine) anomaly(t bus.EventType) {
	m.transitions = append(m.transitions, bus.SagaTransitionRecord{
		Saga:          m.def.Name,
		CorrelationID: m.inst.CorrelationID,
		From:          m.inst.Label(),
		To:            m.inst.Label(),
		Step:          m.inst.Step,
		Reason:        fmt.Sprintf("%v: %s", berr.ErrSagaAnomaly, t),
	})
}
