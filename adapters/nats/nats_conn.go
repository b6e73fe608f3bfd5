package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int

	// Stream is the JetStream stream holding every subject under SubjectPrefix.
	Stream        string
	SubjectPrefix string
	// DuplicateWindow is the broker-side dedupe window keyed on the envelope id.
	DuplicateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "SAGABUS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 2 * time.Minute
	}
	return c
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(_ context.Context, subject string, data []byte, headers map[string]string) error {
	if err := c.nc.PublishMsg(newMsg(subject, data, headers)); err != nil {
		return err
	}
	return c.nc.Flush()
}

// jsClient publishes through JetStream and waits for the stream ack. The envelope id
// becomes the Nats-Msg-Id so that republished envelopes are dropped by the server.
type jsClient struct{ js jetstream.JetStream }

func (c jsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	var opts []jetstream.PublishOpt
	if id := headers[bus.HeaderEventID]; id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	_, err := c.js.PublishMsg(ctx, newMsg(subject, data, headers), opts...)
	return err
}

func newMsg(subject string, data []byte, headers map[string]string) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	return msg
}

func connect(cfg Config) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: nats url required", berr.ErrInvalidConfig)
	}

	var opts []nats.Option
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", berr.Transient(err))
	}
	return nc, nil
}

func drain(nc *nats.Conn) func() {
	return func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown
			nc.Close()
		}
	}
}

// NewWithNATS connects to core NATS and returns a Sender and a cleanup.
func NewWithNATS(cfg Config) (*Sender, func(), error) {
	nc, err := connect(cfg)
	if err != nil {
		return nil, nil, err
	}

	s := New(natsClient{nc: nc})
	if cfg.SubjectPrefix != "" {
		s.Prefix = cfg.SubjectPrefix
	}
	return s, drain(nc), nil
}

// NewCore connects to core NATS and returns a Sender and a queue-group consumer
// sharing one connection, plus a cleanup.
func NewCore(cfg Config, cc CoreConsumerConfig) (*Sender, *CoreConsumer, func(), error) {
	nc, err := connect(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	s := New(natsClient{nc: nc})
	if cfg.SubjectPrefix != "" {
		s.Prefix = cfg.SubjectPrefix
	}
	return s, NewCoreConsumer(nc, s.Prefix, cc), drain(nc), nil
}

// JetStream is a connection with the bus stream ensured.
type JetStream struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
}

// NewJetStream connects, creates or updates the stream and returns the handle.
func NewJetStream(ctx context.Context, cfg Config) (*JetStream, error) {
	cfg = cfg.withDefaults()

	nc, err := connect(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Duplicates: cfg.DuplicateWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &JetStream{cfg: cfg, nc: nc, js: js, stream: stream}, nil
}

// Sender publishes into the stream.
func (j *JetStream) Sender() *Sender {
	return &Sender{Client: jsClient{js: j.js}, Prefix: j.cfg.SubjectPrefix}
}

// Consumer creates or updates a durable consumer for one service.
func (j *JetStream) Consumer(ctx context.Context, cc ConsumerConfig) (*Consumer, error) {
	cc = cc.withDefaults()
	if cc.Durable == "" {
		return nil, fmt.Errorf("%w: nats durable consumer name required", berr.ErrInvalidConfig)
	}

	cfg := jetstream.ConsumerConfig{
		Durable:       cc.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       cc.AckWait,
		MaxDeliver:    cc.MaxDeliver,
		MaxAckPending: cc.MaxAckPending,
	}
	for _, t := range cc.Topics {
		cfg.FilterSubjects = append(cfg.FilterSubjects, Subject(j.cfg.SubjectPrefix, t))
	}

	cons, err := j.stream.CreateOrUpdateConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cc.Durable, err)
	}

	return NewConsumer(cons, j.cfg.SubjectPrefix, cc), nil
}

// KeyValue creates or updates a KV bucket.
func (j *JetStream) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := j.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Close drains the connection.
func (j *JetStream) Close() { drain(j.nc)() }
