// Package config loads the YAML configuration of a service process: which transport
// it consumes from, where idempotency records and saga instances live, and the retry
// and concurrency limits of the publisher and dispatcher.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/dispatcher"
	"github.com/next-trace/scg-saga-bus/publisher"
	"github.com/next-trace/scg-saga-bus/saga"
)

// Transport kinds.
const (
	TransportInMemory  = "inmemory"
	TransportNATS      = "nats"
	TransportJetStream = "jetstream"
	TransportRabbitMQ  = "rabbitmq"
	TransportKafka     = "kafka"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreNATSKV   = "nats-kv"
)

type Config struct {
	// Service names the process; it becomes the consumer group, queue or durable name.
	Service     string            `yaml:"service"`
	Log         LogConfig         `yaml:"log"`
	Transport   TransportConfig   `yaml:"transport"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Saga        SagaConfig        `yaml:"saga"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

type TransportConfig struct {
	Kind string `yaml:"kind"`
	// Topics the service subscribes to. Empty means every topic the registry knows.
	Topics   []string       `yaml:"topics"`
	NATS     NATSConfig     `yaml:"nats"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Kafka    KafkaConfig    `yaml:"kafka"`
}

type NATSConfig struct {
	URL             string        `yaml:"url"`
	Stream          string        `yaml:"stream"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	AckWait         time.Duration `yaml:"ack_wait"`
	MaxDeliver      int           `yaml:"max_deliver"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Prefetch int    `yaml:"prefetch"`
}

type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	Acks        string   `yaml:"acks"`
	Compression string   `yaml:"compression"`
}

type PublisherConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
	// DeadLetterTopic forwards dead letters onto the transport when set.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
}

type DispatcherConfig struct {
	Workers        int           `yaml:"workers"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

type IdempotencyConfig struct {
	Store         string        `yaml:"store"`
	DSN           string        `yaml:"dsn"`
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type SagaConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Store         string        `yaml:"store"`
	DSN           string        `yaml:"dsn"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Timeout is how long a live saga may go without progress before it compensates.
	Timeout time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	// Addr serves Prometheus metrics on /metrics when set.
	Addr string `yaml:"addr"`
}

// Default returns a configuration for a single in-memory process.
func Default() Config {
	return Config{
		Service: "service",
		Log:     LogConfig{Level: "info", Format: "json"},
		Transport: TransportConfig{
			Kind: TransportInMemory,
			RabbitMQ: RabbitMQConfig{
				Prefetch: 64,
			},
			Kafka: KafkaConfig{Acks: "all"},
		},
		Publisher: PublisherConfig{
			MaxAttempts: 5,
			BaseBackoff: 200 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			Jitter:      0.2,
		},
		Idempotency: IdempotencyConfig{
			Store:         StoreMemory,
			Retention:     24 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Saga: SagaConfig{
			Store:         StoreMemory,
			SweepInterval: time.Second,
			Timeout:       saga.DefaultTimeout,
		},
	}
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: parse yaml: %w", berr.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{berr.ErrInvalidConfig}, args...)...))
	}

	if c.Service == "" {
		bad("service name required")
	}

	switch c.Transport.Kind {
	case TransportInMemory:
	case TransportNATS, TransportJetStream:
		if c.Transport.NATS.URL == "" {
			bad("transport.nats.url required for %s", c.Transport.Kind)
		}
	case TransportRabbitMQ:
		if c.Transport.RabbitMQ.URL == "" {
			bad("transport.rabbitmq.url required")
		}
	case TransportKafka:
		if len(c.Transport.Kafka.Brokers) == 0 {
			bad("transport.kafka.brokers required")
		}
	default:
		bad("unknown transport kind %q", c.Transport.Kind)
	}

	if c.Publisher.MaxAttempts < 1 {
		bad("publisher.max_attempts must be at least 1")
	}
	if c.Publisher.Jitter < 0 || c.Publisher.Jitter >= 1 {
		bad("publisher.jitter must be in [0,1)")
	}
	if c.Publisher.MaxBackoff < c.Publisher.BaseBackoff {
		bad("publisher.max_backoff below base_backoff")
	}

	if c.Idempotency.Retention <= 0 {
		bad("idempotency.retention must be positive")
	}
	c.validateStore("idempotency", c.Idempotency.Store, c.Idempotency.DSN,
		[]string{StoreMemory, StoreSQLite, StorePostgres, StoreNATSKV}, bad)

	if c.Saga.Enabled {
		if c.Saga.Timeout <= 0 {
			bad("saga.timeout must be positive")
		}
		c.validateStore("saga", c.Saga.Store, c.Saga.DSN,
			[]string{StoreMemory, StoreSQLite, StoreNATSKV}, bad)
	}

	return errors.Join(errs...)
}

func (c Config) validateStore(section, kind, dsn string, allowed []string, bad func(string, ...any)) {
	if !slices.Contains(allowed, kind) {
		bad("%s.store %q not one of %v", section, kind, allowed)
		return
	}

	switch kind {
	case StoreSQLite, StorePostgres:
		if dsn == "" {
			bad("%s.dsn required for %s", section, kind)
		}
	case StoreNATSKV:
		if c.Transport.Kind != TransportJetStream {
			bad("%s.store %s needs the jetstream transport", section, kind)
		}
	}
}

// Retry maps the section onto the publisher's retry settings.
func (c PublisherConfig) Retry() publisher.Config {
	return publisher.Config{
		MaxAttempts: c.MaxAttempts,
		BaseBackoff: c.BaseBackoff,
		MaxBackoff:  c.MaxBackoff,
		Jitter:      c.Jitter,
	}
}

func (c DispatcherConfig) Limits() dispatcher.Config {
	return dispatcher.Config{
		Workers:        c.Workers,
		MaxInFlight:    c.MaxInFlight,
		HandlerTimeout: c.HandlerTimeout,
	}
}
