package kafka

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

type Config struct {
	Brokers  []string
	TLS      *tls.Config
	ClientID string
	// Acks is "all" (default), "leader" or "none". Anything but "all" disables
	// idempotent writes.
	Acks string
	// Compression is "none", "gzip", "snappy", "lz4" or "zstd"; empty keeps the client default.
	Compression string
}

func (c Config) opts() ([]kgo.Opt, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrInvalidConfig)
	}

	opts := []kgo.Opt{kgo.SeedBrokers(c.Brokers...)}
	if c.ClientID != "" {
		opts = append(opts, kgo.ClientID(c.ClientID))
	}
	if c.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(c.TLS))
	}

	switch c.Acks {
	case "", "all":
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("%w: kafka acks %q", berr.ErrInvalidConfig, c.Acks)
	}

	if c.Compression != "" {
		codec, ok := compression[c.Compression]
		if !ok {
			return nil, fmt.Errorf("%w: kafka compression %q", berr.ErrInvalidConfig, c.Compression)
		}
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	return opts, nil
}

var compression = map[string]kgo.CompressionCodec{
	"none":   kgo.NoCompression(),
	"gzip":   kgo.GzipCompression(),
	"snappy": kgo.SnappyCompression(),
	"lz4":    kgo.Lz4Compression(),
	"zstd":   kgo.ZstdCompression(),
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	return w.cl.ProduceSync(ctx, record(topic, key, value, headers)).FirstErr()
}

func record(topic string, key, value []byte, headers map[string]string) *kgo.Record {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	return rec
}

// NewWithKgo builds a franz-go client based Sender. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Sender, func(), error) {
	opts, err := cfg.opts()
	if err != nil {
		return nil, nil, err
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", err)
	}

	return New(kgoWriter{cl: cl}), cl.Close, nil
}

// DialConsumer builds a group consumer for topics. Offsets are committed only after
// every record of a poll has been settled.
func DialConsumer(cfg Config, group string, topics ...string) (*Consumer, func(), error) {
	opts, err := cfg.opts()
	if err != nil {
		return nil, nil, err
	}
	if group == "" || len(topics) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka consumer group and topics required", berr.ErrInvalidConfig)
	}

	opts = append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", err)
	}

	return NewConsumer(kgoGroup{cl: cl}), cl.Close, nil
}

type kgoGroup struct{ cl *kgo.Client }

func (g kgoGroup) PollFetches(ctx context.Context) kgo.Fetches { return g.cl.PollFetches(ctx) }

func (g kgoGroup) CommitRecords(ctx context.Context, rs ...*kgo.Record) error {
	return g.cl.CommitRecords(ctx, rs...)
}

func (g kgoGroup) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	return g.cl.ProduceSync(ctx, rs...)
}

func (g kgoGroup) AllowRebalance() { g.cl.AllowRebalance() }
