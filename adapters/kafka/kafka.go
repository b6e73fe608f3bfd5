// Package kafka carries envelopes over Kafka using franz-go. Records are keyed by the
// correlation id so that one business transaction stays on one partition.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Sender implements bus.Sender using an injected Writer.
type Sender struct {
	Writer Writer
}

var _ bus.Sender = (*Sender)(nil)

// New creates a new Kafka sender with the provided writer.
func New(w Writer) *Sender { return &Sender{Writer: w} }

func (s *Sender) Send(ctx context.Context, m bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.Writer == nil {
		return fmt.Errorf("kafka send: %w", berr.ErrPublishFailed)
	}

	var key []byte
	if m.Key != "" {
		key = []byte(m.Key)
	}

	if err := s.Writer.Write(ctx, m.Topic, key, m.Body, m.Headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka send to %q: %w", m.Topic, berr.Transient(err))
	}

	return nil
}
