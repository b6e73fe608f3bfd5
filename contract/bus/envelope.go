package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType is the enumerated identifier of a business event (e.g. "OrderPlaced").
// Owning domains declare their types as constants; lookup tables key on it.
type EventType string

func (t EventType) String() string { return string(t) }

// Envelope is the wire-level wrapper around a business event plus routing/tracing metadata.
type Envelope struct {
	ID            uuid.UUID
	Type          EventType
	OccurredAt    time.Time
	CorrelationID uuid.UUID
	// CausationID points at the envelope that triggered this one; invalid for root events.
	CausationID   uuid.NullUUID
	Payload       json.RawMessage
	SchemaVersion int
	// Extensions carries wire fields this build does not know about, verbatim.
	Extensions map[string]json.RawMessage
}

// IsRoot reports whether the envelope started its business transaction.
func (e Envelope) IsRoot() bool { return !e.CausationID.Valid }

// Validate checks the invariants every envelope must satisfy on the wire.
func (e Envelope) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("envelope id is empty")
	}
	if e.Type == "" {
		return errors.New("envelope type is empty")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("envelope occurred at is zero")
	}
	if e.CorrelationID == uuid.Nil {
		return errors.New("envelope correlation id is empty")
	}
	if e.SchemaVersion < 1 {
		return errors.New("envelope schema version must be positive")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error { return json.Unmarshal(e.Payload, v) }

// EnvelopeOption configures envelope creation.
type EnvelopeOption func(*Envelope)

// WithEnvelopeID sets a specific envelope id (default: random UUID).
func WithEnvelopeID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) { e.ID = id }
}

// WithCorrelationID joins an existing business transaction.
func WithCorrelationID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausationID records the envelope that caused this one.
func WithCausationID(id uuid.UUID) EnvelopeOption {
	return func(e *Envelope) { e.CausationID = uuid.NullUUID{UUID: id, Valid: true} }
}

// WithOccurredAt overrides the creation timestamp (default: time.Now().UTC()).
func WithOccurredAt(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.OccurredAt = t }
}

// WithSchemaVersion sets the payload schema version (default: 1).
func WithSchemaVersion(v int) EnvelopeOption {
	return func(e *Envelope) { e.SchemaVersion = v }
}

// NewEnvelope creates an envelope for payload. Without WithCorrelationID the envelope is
// the root of a new business transaction and its correlation id equals its own id.
func NewEnvelope(t EventType, payload any, opts ...EnvelopeOption) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		ID:            uuid.New(),
		Type:          t,
		OccurredAt:    time.Now().UTC(),
		Payload:       raw,
		SchemaVersion: 1,
	}
	for _, opt := range opts {
		opt(&env)
	}
	if env.CorrelationID == uuid.Nil {
		env.CorrelationID = env.ID
	}

	return env, nil
}

// Caused creates an envelope triggered by parent: it inherits the correlation id and
// points its causation id at parent.
func Caused(parent Envelope, t EventType, payload any, opts ...EnvelopeOption) (Envelope, error) {
	base := []EnvelopeOption{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
	}

	return NewEnvelope(t, payload, append(base, opts...)...)
}

// MustEnvelope is NewEnvelope for payloads that are known to marshal.
func MustEnvelope(t EventType, payload any, opts ...EnvelopeOption) Envelope {
	env, err := NewEnvelope(t, payload, opts...)
	if err != nil {
		panic(err)
	}
	return env
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid json")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}
