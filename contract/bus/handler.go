package bus

import "context"

// Outcome is the terminal or non-terminal verdict of a handler invocation.
type Outcome int

const (
	// OutcomeAck means the handler finished; the message may be acknowledged.
	OutcomeAck Outcome = iota
	// OutcomeRetry asks for transport-level redelivery after a delay.
	OutcomeRetry
	// OutcomeFail is a permanent failure; the envelope goes to dead-letter.
	OutcomeFail
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRetry:
		return "retry"
	case OutcomeFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Result is what a Handler returns. Err explains Retry and Fail outcomes.
type Result struct {
	Outcome Outcome
	Err     error
}

// Ack acknowledges the envelope.
func Ack() Result { return Result{Outcome: OutcomeAck} }

// Retry requests redelivery.
func Retry(err error) Result { return Result{Outcome: OutcomeRetry, Err: err} }

// Fail signals a permanent failure.
func Fail(err error) Result { return Result{Outcome: OutcomeFail, Err: err} }

// Terminal reports whether the outcome ends processing for this handler.
func (r Result) Terminal() bool { return r.Outcome != OutcomeRetry }

// Handler reacts to one envelope.
// Implementations must be safe for concurrent use by multiple goroutines.
type Handler interface {
	Handle(ctx context.Context, env Envelope) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env Envelope) Result

func (f HandlerFunc) Handle(ctx context.Context, env Envelope) Result { return f(ctx, env) }

// HandlerMiddleware wraps handler execution. Middlewares are executed in registration order.
type HandlerMiddleware func(handlerID string, next Handler) Handler

// Chain applies mws so that the first middleware runs first.
func Chain(handlerID string, h Handler, mws ...HandlerMiddleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](handlerID, h)
	}
	return h
}
