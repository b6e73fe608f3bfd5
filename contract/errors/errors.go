package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// Error codes for the bus contracts. Keep stable; used across adapters, dispatcher and saga.
const (
	ErrCodeHandlerExists       = "servicebus.handler_exists"
	ErrCodeHandlerNotFound     = "servicebus.handler_not_found"
	ErrCodePublishFailed       = "servicebus.publish_failed"
	ErrCodeSerializationFailed = "servicebus.serialization_failed"
	ErrCodeDecode              = "servicebus.decode_error"
	ErrCodeTransientTransport  = "servicebus.transient_transport"
	ErrCodePermanent           = "servicebus.permanent"
	ErrCodeHandlerFailure      = "servicebus.handler_failure"
	ErrCodeDuplicateSuppressed = "servicebus.duplicate_suppressed"
	ErrCodeSagaTimeout         = "servicebus.saga_timeout"
	ErrCodeSagaAnomaly         = "servicebus.saga_anomaly"
	ErrCodeInvalidConfig       = "servicebus.invalid_config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrHandlerExists       = Code(ErrCodeHandlerExists)
	ErrHandlerNotFound     = Code(ErrCodeHandlerNotFound)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrDecode              = Code(ErrCodeDecode)
	ErrTransientTransport  = Code(ErrCodeTransientTransport)
	ErrPermanent           = Code(ErrCodePermanent)
	ErrHandlerFailure      = Code(ErrCodeHandlerFailure)
	// ErrDuplicateSuppressed is informational: the handler already processed the event.
	ErrDuplicateSuppressed = Code(ErrCodeDuplicateSuppressed)
	ErrSagaTimeout         = Code(ErrCodeSagaTimeout)
	ErrSagaAnomaly         = Code(ErrCodeSagaAnomaly)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
)

// DecodeError reports a malformed or schema-mismatched envelope. Never retryable.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrCodeDecode, e.Reason, e.Err)
	}

	return fmt.Sprintf("%s: %s", ErrCodeDecode, e.Reason)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// Decode builds a DecodeError.
func Decode(reason string, err error) error { return &DecodeError{Reason: reason, Err: err} }

// TransientError wraps a broker/network failure that is worth retrying.
type TransientError struct{ Err error }

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", ErrCodeTransientTransport, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransientTransport, e.Err} }

// Transient marks err as a transient transport failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// Permanent marks err so that retry loops give up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsTransient reports whether a transport error should be retried.
// Context cancellation, serialization and explicitly permanent errors are not.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case stderrors.Is(err, ErrTransientTransport):
		return true
	case stderrors.Is(err, ErrPermanent),
		stderrors.Is(err, ErrSerializationFailed),
		stderrors.Is(err, ErrDecode),
		stderrors.Is(err, context.Canceled),
		stderrors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// HandlerFailure is a permanent failure signalled by domain logic for one handler.
type HandlerFailure struct {
	HandlerID string
	EventID   string
	Err       error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("%s: handler %s event %s: %v", ErrCodeHandlerFailure, e.HandlerID, e.EventID, e.Err)
}

func (e *HandlerFailure) Unwrap() []error { return []error{ErrHandlerFailure, e.Err} }

// PublishError is returned once the publisher gave up on an envelope.
type PublishError struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: event %s after %d attempt(s): %v", ErrCodePublishFailed, e.EventID, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublishFailed, e.Err} }
