// Package bus holds the transport-agnostic contracts shared by the codec, publisher,
// dispatcher, idempotency tracker and saga coordinator.
//
// Domain services depend only on these types: they build Envelopes, implement Handler
// and hand envelopes to an EnvelopePublisher. Transports implement Sender and Consumer.
package bus
