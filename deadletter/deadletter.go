// Package deadletter provides sinks for messages that could not be processed.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/next-trace/scg-saga-bus/codec"
	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// ErrFull is returned by a MemorySink at capacity.
var ErrFull = errors.New("deadletter: sink is full")

// DefaultMaxSize bounds a MemorySink.
const DefaultMaxSize = 10000

// MemorySink keeps dead letters in memory for inspection and replay.
// Suitable for tests and single-instance deployments.
type MemorySink struct {
	mu      sync.RWMutex
	items   []bus.DeadLetter
	maxSize int
	onAdd   func(bus.DeadLetter)
}

// MemoryOption configures a MemorySink.
type MemoryOption func(*MemorySink)

// WithMaxSize limits the number of retained dead letters.
func WithMaxSize(n int) MemoryOption {
	return func(s *MemorySink) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

// WithOnAdd registers a callback run for every stored dead letter.
func WithOnAdd(fn func(bus.DeadLetter)) MemoryOption { return func(s *MemorySink) { s.onAdd = fn } }

// NewMemorySink constructs a MemorySink.
func NewMemorySink(opts ...MemoryOption) *MemorySink {
	s := &MemorySink{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemorySink) DeadLetter(_ context.Context, dl bus.DeadLetter) error {
	s.mu.Lock()
	if len(s.items) >= s.maxSize {
		s.mu.Unlock()
		return ErrFull
	}
	s.items = append(s.items, dl)
	s.mu.Unlock()

	if s.onAdd != nil {
		s.onAdd(dl)
	}

	return nil
}

// List returns a copy of the stored dead letters in arrival order.
func (s *MemorySink) List() []bus.DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bus.DeadLetter(nil), s.items...)
}

// Len returns the number of stored dead letters.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Drain removes and returns every stored dead letter, e.g. for replay.
func (s *MemorySink) Drain() []bus.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.items
	s.items = nil
	return out
}

// Record is the JSON document a TopicSink publishes.
type Record struct {
	Topic        string          `json:"topic"`
	Reason       string          `json:"reason"`
	HandlerID    string          `json:"handlerId,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	FailedAt     time.Time       `json:"failedAt"`
	EventID      string          `json:"eventId,omitempty"`
	EventType    string          `json:"eventType,omitempty"`
	Envelope     json.RawMessage `json:"envelope,omitempty"`
	// Raw holds the undecodable bytes; encoded as base64.
	Raw []byte `json:"raw,omitempty"`
}

// TopicSink forwards dead letters to a broker topic so they survive the process.
type TopicSink struct {
	sender bus.Sender
	topic  string
}

// NewTopicSink publishes dead letters through sender to topic.
func NewTopicSink(sender bus.Sender, topic string) *TopicSink {
	return &TopicSink{sender: sender, topic: topic}
}

func (s *TopicSink) DeadLetter(ctx context.Context, dl bus.DeadLetter) error {
	rec := Record{
		Topic:        dl.Topic,
		Reason:       dl.Reason,
		HandlerID:    dl.HandlerID,
		AttemptCount: dl.AttemptCount,
		FailedAt:     dl.FailedAt.UTC(),
	}

	headers := map[string]string{bus.HeaderContentType: bus.ContentTypeJSON}
	key := dl.Topic

	if dl.Envelope != nil {
		body, err := codec.Encode(*dl.Envelope)
		if err != nil {
			rec.Raw = dl.Raw
		} else {
			rec.Envelope = body
		}
		rec.EventID = dl.Envelope.ID.String()
		rec.EventType = dl.Envelope.Type.String()
		key = dl.Envelope.CorrelationID.String()
		headers[bus.HeaderEventID] = rec.EventID
		headers[bus.HeaderEventType] = rec.EventType
	} else {
		rec.Raw = dl.Raw
	}

	body, err := gojson.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	if err := s.sender.Send(ctx, bus.Message{Topic: s.topic, Key: key, Body: body, Headers: headers}); err != nil {
		return fmt.Errorf("forward dead letter to %s: %w", s.topic, err)
	}

	return nil
}

// LogSink writes dead letters to a structured logger.
type LogSink struct{ logger *slog.Logger }

// NewLogSink returns a sink logging at error level; nil uses slog.Default().
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{logger: l.WithGroup("deadletter")}
}

func (s *LogSink) DeadLetter(ctx context.Context, dl bus.DeadLetter) error {
	attrs := []any{
		slog.String("topic", dl.Topic),
		slog.String("reason", dl.Reason),
		slog.String("handler_id", dl.HandlerID),
		slog.Int("attempts", dl.AttemptCount),
	}
	if dl.Envelope != nil {
		attrs = append(attrs,
			slog.String("event_id", dl.Envelope.ID.String()),
			slog.String("event_type", dl.Envelope.Type.String()),
			slog.String("correlation_id", dl.Envelope.CorrelationID.String()),
		)
	} else {
		attrs = append(attrs, slog.Int("raw_bytes", len(dl.Raw)))
	}

	s.logger.ErrorContext(ctx, "message dead-lettered", attrs...)

	return nil
}

// Multi deposits into every sink and joins their errors.
func Multi(sinks ...bus.DeadLetterSink) bus.DeadLetterSink {
	return bus.DeadLetterFunc(func(ctx context.Context, dl bus.DeadLetter) error {
		var errs []error
		for _, s := range sinks {
			if err := s.DeadLetter(ctx, dl); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
