package bus

import (
	"context"
	"time"
)

// DeadLetter is deposited for manual or automated remediation.
type DeadLetter struct {
	// Envelope is nil when the raw message could not be decoded.
	Envelope *Envelope
	Raw      []byte
	Topic    string
	Reason   string
	// HandlerID is empty when no handler was involved (decode or publish failures).
	HandlerID    string
	AttemptCount int
	FailedAt     time.Time
}

// DeadLetterSink receives messages that could not be processed.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// DeadLetterFunc adapts a function to DeadLetterSink.
type DeadLetterFunc func(ctx context.Context, dl DeadLetter) error

func (f DeadLetterFunc) DeadLetter(ctx context.Context, dl DeadLetter) error { return f(ctx, dl) }
