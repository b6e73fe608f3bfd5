package saga

import (
	stdjson "encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/next-trace/scg-saga-bus/codec"
	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// State of a saga instance.
type State string

const (
	StateStarted       State = "STARTED"
	StateStepCompleted State = "STEP_COMPLETED"
	StateCompensating  State = "COMPENSATING"
	StateCompleted     State = "COMPLETED"
	StateFailed        State = "FAILED"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// Live reports whether the saga can still make forward progress.
func (s State) Live() bool { return s == StateStarted || s == StateStepCompleted }

// Instance is the persisted state of one saga run, keyed by saga name and correlation id.
type Instance struct {
	Saga          string
	CorrelationID uuid.UUID
	State         State
	// Step is n in STEP_COMPLETED(n).
	Step int
	// Completed holds step names in completion order.
	Completed []string
	// Pending holds steps whose compensation is still unacknowledged. The first entry's
	// compensation has been emitted.
	Pending []string
	History []uuid.UUID

	TriggerID uuid.UUID
	Trigger   stdjson.RawMessage

	// Outbox holds emitted envelopes not yet handed to the transport.
	Outbox []bus.Envelope
	// FlushFailures counts failed publishes of the first outbox envelope.
	FlushFailures int

	Reason     string
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
	// Deadline is zero unless the saga is live.
	Deadline time.Time

	Version int64
}

// Key identifies an instance.
type Key struct {
	Saga          string
	CorrelationID uuid.UUID
}

func (i *Instance) Key() Key { return Key{Saga: i.Saga, CorrelationID: i.CorrelationID} }

// Label renders the state the way it is reported, e.g. STEP_COMPLETED(2).
func (i *Instance) Label() string { return label(i.State, i.Step) }

func label(s State, step int) string {
	if s == StateStepCompleted {
		return fmt.Sprintf("%s(%d)", s, step)
	}
	return string(s)
}

// Seen reports whether the envelope id is already part of the history.
func (i *Instance) Seen(id uuid.UUID) bool { return slices.Contains(i.History, id) }

func (i *Instance) completed(step string) bool { return slices.Contains(i.Completed, step) }

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Completed = slices.Clone(i.Completed)
	c.Pending = slices.Clone(i.Pending)
	c.History = slices.Clone(i.History)
	c.Trigger = slices.Clone(i.Trigger)
	c.Outbox = slices.Clone(i.Outbox)
	return &c
}

type document struct {
	Saga          string               `json:"saga"`
	CorrelationID uuid.UUID            `json:"correlationId"`
	State         State                `json:"state"`
	Step          int                  `json:"step"`
	Completed     []string             `json:"completed,omitempty"`
	Pending       []string             `json:"pending,omitempty"`
	History       []uuid.UUID          `json:"history"`
	TriggerID     uuid.UUID            `json:"triggerId"`
	Trigger       stdjson.RawMessage   `json:"trigger,omitempty"`
	Outbox        []stdjson.RawMessage `json:"outbox,omitempty"`
	FlushFailures int                  `json:"flushFailures,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	StartedAt     time.Time            `json:"startedAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	FinishedAt    time.Time            `json:"finishedAt"`
	Deadline      time.Time            `json:"deadline"`
	Version       int64                `json:"version"`
}

// MarshalInstance serializes an instance for stores that keep documents. Outbox
// envelopes use the wire format.
func MarshalInstance(inst *Instance) ([]byte, error) {
	doc := document{
		Saga:          inst.Saga,
		CorrelationID: inst.CorrelationID,
		State:         inst.State,
		Step:          inst.Step,
		Completed:     inst.Completed,
		Pending:       inst.Pending,
		History:       inst.History,
		TriggerID:     inst.TriggerID,
		Trigger:       inst.Trigger,
		FlushFailures: inst.FlushFailures,
		Reason:        inst.Reason,
		StartedAt:     inst.StartedAt,
		UpdatedAt:     inst.UpdatedAt,
		FinishedAt:    inst.FinishedAt,
		Deadline:      inst.Deadline,
		Version:       inst.Version,
	}
	for _, env := range inst.Outbox {
		raw, err := codec.Encode(env)
		if err != nil {
			return nil, fmt.Errorf("encode outbox: %w", err)
		}
		doc.Outbox = append(doc.Outbox, raw)
	}

	return json.Marshal(doc)
}

// UnmarshalInstance is the inverse of MarshalInstance.
func UnmarshalInstance(data []byte) (*Instance, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode saga instance: %w", err)
	}

	inst := &Instance{
		Saga:          doc.Saga,
		CorrelationID: doc.CorrelationID,
		State:         doc.State,
		Step:          doc.Step,
		Completed:     doc.Completed,
		Pending:       doc.Pending,
		History:       doc.History,
		TriggerID:     doc.TriggerID,
		Trigger:       doc.Trigger,
		FlushFailures: doc.FlushFailures,
		Reason:        doc.Reason,
		StartedAt:     doc.StartedAt,
		UpdatedAt:     doc.UpdatedAt,
		FinishedAt:    doc.FinishedAt,
		Deadline:      doc.Deadline,
		Version:       doc.Version,
	}
	for _, raw := range doc.Outbox {
		env, err := codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode outbox: %w", err)
		}
		inst.Outbox = append(inst.Outbox, env)
	}

	return inst, nil
}
