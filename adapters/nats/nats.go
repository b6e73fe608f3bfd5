// Package nats carries envelopes over NATS. Core NATS gives fire-and-forget delivery;
// JetStream adds a durable stream, broker-side deduplication on the envelope id and
// durable pull consumers. The package also provides KV-backed idempotency and saga
// stores whose conditional writes use KV revisions.
package nats

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// DefaultSubjectPrefix is prepended to topics to form subjects.
const DefaultSubjectPrefix = "events."

// HeaderKey carries the message key.
const HeaderKey = "x-message-key"

// Client is the minimal publishing surface. Wrappers over core NATS and JetStream
// satisfy it; tests inject fakes.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Sender implements bus.Sender using an injected Client.
type Sender struct {
	Client Client
	Prefix string
}

var _ bus.Sender = (*Sender)(nil)

// New creates a Sender with the default subject prefix.
func New(c Client) *Sender { return &Sender{Client: c, Prefix: DefaultSubjectPrefix} }

func (s *Sender) Send(ctx context.Context, m bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Client == nil {
		return fmt.Errorf("nats send: %w", berr.ErrPublishFailed)
	}

	hdrs := make(map[string]string, len(m.Headers)+1)
	maps.Copy(hdrs, m.Headers)
	if m.Key != "" {
		hdrs[HeaderKey] = m.Key
	}

	err := s.Client.Publish(ctx, Subject(s.Prefix, m.Topic), m.Body, hdrs)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("nats send %s: %w", m.Topic, berr.Transient(err))
	}
}

// Subject maps a topic to its subject.
func Subject(prefix, topic string) string { return prefix + topic }

// Topic is the inverse of Subject.
func Topic(prefix, subject string) string { return strings.TrimPrefix(subject, prefix) }
