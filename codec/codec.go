// Package codec converts envelopes to and from their wire representation.
//
// The wire format is a JSON object with the keys id, type, occurredAt, correlationId,
// causationId, payload and schemaVersion. Any other key is kept verbatim in
// Envelope.Extensions and written back on encode, so older consumers can relay
// envelopes produced by newer ones without loss.
package codec

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"slices"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

const (
	keyID            = "id"
	keyType          = "type"
	keyOccurredAt    = "occurredAt"
	keyCorrelationID = "correlationId"
	keyCausationID   = "causationId"
	keyPayload       = "payload"
	keySchemaVersion = "schemaVersion"
)

var knownKeys = []string{
	keyID, keyType, keyOccurredAt, keyCorrelationID, keyCausationID, keyPayload, keySchemaVersion,
}

// Codec encodes and decodes envelopes. The zero value accepts every schema version.
// A Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	versions map[bus.EventType][]int
}

// Option configures a Codec.
type Option func(*Codec)

// WithSupportedVersions restricts the schema versions accepted for t.
// Envelopes of t carrying any other version fail to decode.
func WithSupportedVersions(t bus.EventType, versions ...int) Option {
	return func(c *Codec) {
		if c.versions == nil {
			c.versions = make(map[bus.EventType][]int)
		}
		c.versions[t] = append(c.versions[t], versions...)
	}
}

// New constructs a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

var defaultCodec = New()

// Encode encodes env with the default codec.
func Encode(env bus.Envelope) ([]byte, error) { return defaultCodec.Encode(env) }

// Decode decodes data with the default codec.
func Decode(data []byte) (bus.Envelope, error) { return defaultCodec.Decode(data) }

// Encode produces the wire form of env. Fields are written in a fixed order followed by
// extensions sorted by key, so equal envelopes encode to equal bytes.
func (c *Codec) Encode(env bus.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w: %w", env.Type, berr.ErrSerializationFailed, err)
	}

	payload := env.Payload
	if len(payload) == 0 {
		payload = stdjson.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("encode %s: %w: payload is not valid json", env.Type, berr.ErrSerializationFailed)
	}

	var causation any
	if env.CausationID.Valid {
		causation = env.CausationID.UUID.String()
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	w := fieldWriter{buf: &buf}
	w.value(keyID, env.ID.String())
	w.value(keyType, string(env.Type))
	w.value(keyOccurredAt, env.OccurredAt.UTC().Format(time.RFC3339Nano))
	w.value(keyCorrelationID, env.CorrelationID.String())
	w.value(keyCausationID, causation)
	w.raw(keyPayload, payload)
	w.value(keySchemaVersion, env.SchemaVersion)

	keys := make([]string, 0, len(env.Extensions))
	for k := range env.Extensions {
		if slices.Contains(knownKeys, k) {
			return nil, fmt.Errorf("encode %s: %w: extension %q shadows a reserved key",
				env.Type, berr.ErrSerializationFailed, k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		v := env.Extensions[k]
		if !json.Valid(v) {
			return nil, fmt.Errorf("encode %s: %w: extension %q is not valid json",
				env.Type, berr.ErrSerializationFailed, k)
		}
		w.raw(k, v)
	}

	if w.err != nil {
		return nil, fmt.Errorf("encode %s: %w: %w", env.Type, berr.ErrSerializationFailed, w.err)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// Decode parses data into an envelope. Every failure is a *errors.DecodeError.
func (c *Codec) Decode(data []byte) (bus.Envelope, error) {
	var fields map[string]stdjson.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return bus.Envelope{}, berr.Decode("malformed json", err)
	}
	if fields == nil {
		return bus.Envelope{}, berr.Decode("envelope is not an object", nil)
	}

	var (
		env bus.Envelope
		err error
	)

	if env.ID, err = uuidField(fields, keyID); err != nil {
		return bus.Envelope{}, err
	}

	var typ string
	if err = stringField(fields, keyType, &typ); err != nil {
		return bus.Envelope{}, err
	}
	env.Type = bus.EventType(typ)

	var occurred string
	if err = stringField(fields, keyOccurredAt, &occurred); err != nil {
		return bus.Envelope{}, err
	}
	if env.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
		return bus.Envelope{}, berr.Decode("invalid occurredAt", err)
	}
	env.OccurredAt = env.OccurredAt.UTC()

	if env.CorrelationID, err = uuidField(fields, keyCorrelationID); err != nil {
		return bus.Envelope{}, err
	}

	if raw, ok := fields[keyCausationID]; ok && !isNull(raw) {
		id, err := uuidField(fields, keyCausationID)
		if err != nil {
			return bus.Envelope{}, err
		}
		env.CausationID = uuid.NullUUID{UUID: id, Valid: true}
	}

	if raw, ok := fields[keyPayload]; ok {
		env.Payload = append(stdjson.RawMessage(nil), raw...)
	} else {
		env.Payload = stdjson.RawMessage("null")
	}

	raw, ok := fields[keySchemaVersion]
	if !ok {
		return bus.Envelope{}, berr.Decode("missing schemaVersion", nil)
	}
	if err := json.Unmarshal(raw, &env.SchemaVersion); err != nil {
		return bus.Envelope{}, berr.Decode("invalid schemaVersion", err)
	}

	for k, v := range fields {
		if slices.Contains(knownKeys, k) {
			continue
		}
		if env.Extensions == nil {
			env.Extensions = make(map[string]stdjson.RawMessage)
		}
		env.Extensions[k] = append(stdjson.RawMessage(nil), v...)
	}

	if err := env.Validate(); err != nil {
		return bus.Envelope{}, berr.Decode("invalid envelope", err)
	}

	if err := c.checkVersion(env); err != nil {
		return bus.Envelope{}, err
	}

	return env, nil
}

func (c *Codec) checkVersion(env bus.Envelope) error {
	allowed, ok := c.versions[env.Type]
	if !ok || slices.Contains(allowed, env.SchemaVersion) {
		return nil
	}

	return berr.Decode(
		fmt.Sprintf("unsupported schemaVersion %d for %s (supported %v)", env.SchemaVersion, env.Type, allowed),
		nil,
	)
}

type fieldWriter struct {
	buf *bytes.Buffer
	n   int
	err error
}

func (w *fieldWriter) key(k string) {
	if w.n > 0 {
		w.buf.WriteByte(',')
	}
	w.n++

	kb, err := json.Marshal(k)
	if err != nil && w.err == nil {
		w.err = err
	}
	w.buf.Write(kb)
	w.buf.WriteByte(':')
}

func (w *fieldWriter) value(k string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		if w.err == nil {
			w.err = fmt.Errorf("field %s: %w", k, err)
		}
		return
	}
	w.raw(k, b)
}

func (w *fieldWriter) raw(k string, v []byte) {
	w.key(k)
	w.buf.Write(v)
}

func stringField(fields map[string]stdjson.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return berr.Decode("missing "+key, nil)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return berr.Decode("invalid "+key, err)
	}

	return nil
}

func uuidField(fields map[string]stdjson.RawMessage, key string) (uuid.UUID, error) {
	var s string
	if err := stringField(fields, key, &s); err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, berr.Decode("invalid "+key, err)
	}

	return id, nil
}

func isNull(raw []byte) bool { return string(bytes.TrimSpace(raw)) == "null" }
