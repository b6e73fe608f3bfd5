package codec_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-saga-bus/codec"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

func fixture() bus.Envelope {
	return bus.Envelope{
		ID:            uuid.MustParse("2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f"),
		Type:          "OrderPlaced",
		OccurredAt:    time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC),
		CorrelationID: uuid.MustParse("7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d"),
		CausationID:   uuid.NullUUID{UUID: uuid.MustParse("0b1c2d3e-4f5a-4b6c-8d7e-9f0a1b2c3d4e"), Valid: true},
		Payload:       json.RawMessage(`{"orderId":"o-1","total":42}`),
		SchemaVersion: 2,
		Extensions:    map[string]json.RawMessage{"x-tenant": json.RawMessage(`"acme"`)},
	}
}

func TestEncodeGolden(t *testing.T) {
	data, err := codec.Encode(fixture())
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "order_placed", data)
}

func TestRoundTripPreservesEverything(t *testing.T) {
	want := fixture()

	data, err := codec.Encode(want)
	require.NoError(t, err)

	got, err := codec.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Type, got.Type)
	assert.True(t, want.OccurredAt.Equal(got.OccurredAt))
	assert.Equal(t, want.CorrelationID, got.CorrelationID)
	assert.Equal(t, want.CausationID, got.CausationID)
	assert.JSONEq(t, string(want.Payload), string(got.Payload))
	assert.Equal(t, want.SchemaVersion, got.SchemaVersion)
	require.Contains(t, got.Extensions, "x-tenant")
	assert.JSONEq(t, `"acme"`, string(got.Extensions["x-tenant"]))

	again, err := codec.Encode(got)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestRootEnvelopeHasNullCausation(t *testing.T) {
	env, err := bus.NewEnvelope("UserRegistered", map[string]string{"userId": "u-1"})
	require.NoError(t, err)

	data, err := codec.Encode(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"causationId":null`)

	got, err := codec.Decode(data)
	require.NoError(t, err)
	assert.True(t, got.IsRoot())
	assert.Equal(t, env.ID, got.CorrelationID)
	assert.Nil(t, got.Extensions)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	valid := `{"id":"2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f","type":"OrderPlaced","occurredAt":"2024-05-01T10:00:00Z",` +
		`"correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","causationId":null,"payload":{},"schemaVersion":1}`
	_, err := codec.Decode([]byte(valid))
	require.NoError(t, err)

	tests := map[string]string{
		"not json":         `{"id":`,
		"array":            `[1,2]`,
		"null":             `null`,
		"missing id":       `{"type":"A","occurredAt":"2024-05-01T10:00:00Z","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","schemaVersion":1}`,
		"bad uuid":         `{"id":"nope","type":"A","occurredAt":"2024-05-01T10:00:00Z","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","schemaVersion":1}`,
		"bad time":         `{"id":"2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f","type":"A","occurredAt":"yesterday","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","schemaVersion":1}`,
		"missing version":  `{"id":"2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f","type":"A","occurredAt":"2024-05-01T10:00:00Z","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d"}`,
		"zero version":     `{"id":"2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f","type":"A","occurredAt":"2024-05-01T10:00:00Z","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","schemaVersion":0}`,
		"empty type":       `{"id":"2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f","type":"","occurredAt":"2024-05-01T10:00:00Z","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","schemaVersion":1}`,
		"bad causation id": `{"id":"2f1c6a4e-8d1b-4c3a-9f7e-1a2b3c4d5e6f","type":"A","occurredAt":"2024-05-01T10:00:00Z","correlationId":"7a9e0b2c-3d4f-4a5b-8c6d-7e8f9a0b1c2d","causationId":"x","schemaVersion":1}`,
	}

	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode([]byte(in))
			require.Error(t, err)
			assert.ErrorIs(t, err, berr.ErrDecode)

			var de *berr.DecodeError
			assert.ErrorAs(t, err, &de)
		})
	}
}

func TestSchemaVersionGuard(t *testing.T) {
	c := codec.New(codec.WithSupportedVersions("OrderPlaced", 1))

	env := fixture()
	data, err := c.Encode(env)
	require.NoError(t, err)

	_, err = c.Decode(data)
	require.ErrorIs(t, err, berr.ErrDecode)
	assert.Contains(t, err.Error(), "unsupported schemaVersion 2")

	env.SchemaVersion = 1
	data, err = c.Encode(env)
	require.NoError(t, err)

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SchemaVersion)

	env.Type = "Other"
	env.SchemaVersion = 7
	data, err = c.Encode(env)
	require.NoError(t, err)
	_, err = c.Decode(data)
	assert.NoError(t, err, "types without a guard accept any version")
}

func TestEncodeRejectsInvalidEnvelopes(t *testing.T) {
	env := fixture()
	env.Payload = json.RawMessage(`{broken`)
	_, err := codec.Encode(env)
	assert.ErrorIs(t, err, berr.ErrSerializationFailed)

	env = fixture()
	env.Extensions = map[string]json.RawMessage{"type": json.RawMessage(`"x"`)}
	_, err = codec.Encode(env)
	assert.ErrorIs(t, err, berr.ErrSerializationFailed)

	_, err = codec.Encode(bus.Envelope{})
	assert.ErrorIs(t, err, berr.ErrSerializationFailed)
}
