package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/next-trace/scg-saga-bus/adapters/inmemory"
	"github.com/next-trace/scg-saga-bus/adapters/kafka"
	"github.com/next-trace/scg-saga-bus/adapters/nats"
	"github.com/next-trace/scg-saga-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-saga-bus/config"
	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
	"github.com/next-trace/scg-saga-bus/deadletter"
	"github.com/next-trace/scg-saga-bus/dispatcher"
	"github.com/next-trace/scg-saga-bus/idempotency"
	"github.com/next-trace/scg-saga-bus/internal/ordersaga"
	"github.com/next-trace/scg-saga-bus/observability"
	"github.com/next-trace/scg-saga-bus/publisher"
	"github.com/next-trace/scg-saga-bus/saga"
	"github.com/next-trace/scg-saga-bus/servicebus"
)

// KV bucket names used by the nats-kv stores.
const (
	processedBucket = "sagabus_processed"
	sagaBucket      = "sagabus_sagas"
)

type fabric struct {
	bus     *servicebus.Bus
	metrics *prometheus.Registry
	topics  []string
}

type transport struct {
	sender   bus.Sender
	consumer bus.Consumer
	js       *nats.JetStream
}

// build connects everything cfg names and returns a bus ready to Run. On error every
// resource opened so far is released.
func build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *fabric, err error) {
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()
	closeWith := func(fn func()) { closers = append(closers, func() error { fn(); return nil }) }

	topics := cfg.Transport.Topics
	if len(topics) == 0 && cfg.Saga.Enabled {
		def := ordersaga.Definition(cfg.Saga.Timeout)
		for _, t := range def.Subscriptions() {
			topics = append(topics, t.String())
		}
	}

	tr, err := dialTransport(ctx, cfg, topics, log, closeWith)
	if err != nil {
		return nil, err
	}

	tracker, err := openTracker(ctx, cfg, tr.js, log, &closers)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	otelObs, err := observability.NewOTelObserver(nil)
	if err != nil {
		return nil, fmt.Errorf("otel instruments: %w", err)
	}
	observer := observability.Multi(
		observability.NewLogObserver(log),
		observability.NewPrometheusObserver(reg),
		otelObs,
	)

	sinks := []bus.DeadLetterSink{deadletter.NewLogSink(log)}
	if cfg.Publisher.DeadLetterTopic != "" {
		sinks = append(sinks, deadletter.NewTopicSink(tr.sender, cfg.Publisher.DeadLetterTopic))
	}

	opts := []servicebus.BusOption{
		servicebus.WithLogger(log),
		servicebus.WithObserver(observer),
		servicebus.WithDeadLetter(deadletter.Multi(sinks...)),
		servicebus.WithPropagator(observability.NewTracePropagator(nil)),
		servicebus.WithTracker(tracker, cfg.Idempotency.PurgeInterval),
		servicebus.WithPublisherOptions(publisher.WithConfig(cfg.Publisher.Retry())),
		servicebus.WithDispatcherOptions(dispatcher.WithConfig(cfg.Dispatcher.Limits())),
		servicebus.WithHandlerMiddleware(dispatcher.LogMiddleware(log)),
		servicebus.WithSagaOptions(saga.WithSweepInterval(cfg.Saga.SweepInterval)),
	}

	if cfg.Saga.Enabled {
		store, err := openSagaStore(ctx, cfg, tr.js, &closers)
		if err != nil {
			return nil, err
		}
		opts = append(opts, servicebus.WithSagaStore(store))
	}

	for _, c := range closers {
		opts = append(opts, servicebus.WithCloser(c))
	}

	b := servicebus.New(tr.sender, tr.consumer, opts...)
	if cfg.Saga.Enabled {
		if err := b.RegisterSaga(ordersaga.Definition(cfg.Saga.Timeout)); err != nil {
			_ = b.Close()
			closers = nil
			return nil, err
		}
	}

	return &fabric{bus: b, metrics: reg, topics: topics}, nil
}

func dialTransport(ctx context.Context, cfg config.Config, topics []string, log *slog.Logger, closeWith func(func())) (transport, error) {
	tc := cfg.Transport
	natsCfg := nats.Config{
		URL:             tc.NATS.URL,
		Name:            cfg.Service,
		Stream:          tc.NATS.Stream,
		SubjectPrefix:   tc.NATS.SubjectPrefix,
		DuplicateWindow: tc.NATS.DuplicateWindow,
	}

	switch tc.Kind {
	case config.TransportInMemory:
		b := inmemory.New()
		closeWith(func() { _ = b.Close() })
		return transport{sender: b, consumer: b.Consumer(cfg.Service, topics...)}, nil

	case config.TransportNATS:
		sender, consumer, cleanup, err := nats.NewCore(natsCfg, nats.CoreConsumerConfig{
			Queue:       cfg.Service,
			Topics:      topics,
			MaxAttempts: tc.NATS.MaxDeliver,
		})
		if err != nil {
			return transport{}, err
		}
		closeWith(cleanup)
		return transport{sender: sender, consumer: consumer}, nil

	case config.TransportJetStream:
		js, err := nats.NewJetStream(ctx, natsCfg)
		if err != nil {
			return transport{}, err
		}
		closeWith(js.Close)
		consumer, err := js.Consumer(ctx, nats.ConsumerConfig{
			Durable:         cfg.Service,
			Topics:          topics,
			AckWait:         tc.NATS.AckWait,
			MaxDeliver:      tc.NATS.MaxDeliver,
			RedeliveryDelay: tc.NATS.RedeliveryDelay,
		})
		if err != nil {
			return transport{}, err
		}
		return transport{sender: js.Sender(), consumer: consumer, js: js}, nil

	case config.TransportRabbitMQ:
		rc := rabbitmq.Config{URL: tc.RabbitMQ.URL, Logger: log}
		sender, cleanup, err := rabbitmq.NewWithAMQPConn(rc)
		if err != nil {
			return transport{}, err
		}
		closeWith(cleanup)
		consumer, consumerCleanup, err := rabbitmq.DialConsumer(rc, rabbitmq.ConsumerConfig{
			Queue:    cfg.Service,
			Topics:   topics,
			Prefetch: tc.RabbitMQ.Prefetch,
		})
		if err != nil {
			return transport{}, err
		}
		closeWith(consumerCleanup)
		return transport{sender: sender, consumer: consumer}, nil

	case config.TransportKafka:
		if len(topics) == 0 {
			return transport{}, fmt.Errorf("%w: transport.topics required for kafka", berr.ErrInvalidConfig)
		}
		kc := kafka.Config{
			Brokers:     tc.Kafka.Brokers,
			ClientID:    cfg.Service,
			Acks:        tc.Kafka.Acks,
			Compression: tc.Kafka.Compression,
		}
		sender, cleanup, err := kafka.NewWithKgo(kc)
		if err != nil {
			return transport{}, err
		}
		closeWith(cleanup)
		consumer, consumerCleanup, err := kafka.DialConsumer(kc, cfg.Service, topics...)
		if err != nil {
			return transport{}, err
		}
		closeWith(consumerCleanup)
		return transport{sender: sender, consumer: consumer}, nil
	}

	return transport{}, fmt.Errorf("%w: unknown transport kind %q", berr.ErrInvalidConfig, tc.Kind)
}

func openTracker(ctx context.Context, cfg config.Config, js *nats.JetStream, log *slog.Logger, closers *[]func() error) (*idempotency.Tracker, error) {
	ic := cfg.Idempotency

	var store idempotency.Store
	switch ic.Store {
	case config.StoreMemory:
		store = idempotency.NewMemoryStore()
	case config.StoreSQLite:
		s, err := idempotency.NewSQLiteStore(ic.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		store = s
	case config.StorePostgres:
		s, err := idempotency.OpenPostgres(ctx, ic.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		store = s
	case config.StoreNATSKV:
		if js == nil {
			return nil, errors.New("idempotency nats-kv store needs a jetstream connection")
		}
		kv, err := js.KeyValue(ctx, processedBucket, ic.Retention)
		if err != nil {
			return nil, err
		}
		store = nats.NewKVIdempotencyStore(kv)
	default:
		return nil, fmt.Errorf("%w: idempotency store %q", berr.ErrInvalidConfig, ic.Store)
	}

	return idempotency.NewTracker(store, idempotency.WithRetention(ic.Retention), idempotency.WithLogger(log)), nil
}

func openSagaStore(ctx context.Context, cfg config.Config, js *nats.JetStream, closers *[]func() error) (saga.Store, error) {
	sc := cfg.Saga

	switch sc.Store {
	case config.StoreMemory:
		return saga.NewMemoryStore(), nil
	case config.StoreSQLite:
		s, err := saga.NewSQLiteStore(sc.DSN)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, s.Close)
		return s, nil
	case config.StoreNATSKV:
		if js == nil {
			return nil, errors.New("saga nats-kv store needs a jetstream connection")
		}
		kv, err := js.KeyValue(ctx, sagaBucket, 0)
		if err != nil {
			return nil, err
		}
		return nats.NewKVSagaStore(kv), nil
	}

	return nil, fmt.Errorf("%w: saga store %q", berr.ErrInvalidConfig, sc.Store)
}
