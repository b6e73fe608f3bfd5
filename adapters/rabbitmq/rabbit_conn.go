package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

const (
	integrationExchange     = "integration"
	integrationExchangeKind = "topic"
)

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// ReconnectMin and ReconnectMax bound the exponential reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func dial(cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": "scg-saga-bus"},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(integrationExchange, integrationExchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}

	return conn, ch, nil
}

// reconnectingPublisher keeps one channel open and redials with backoff when the
// connection drops. Publish waits for a channel until ctx is done.
type reconnectingPublisher struct {
	cfg    Config
	log    *slog.Logger
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	ready  chan struct{} // closed while a channel is available
	closed chan struct{}
	once   sync.Once
}

func newReconnectingPublisher(cfg Config) *reconnectingPublisher {
	rp := &reconnectingPublisher{
		cfg:    cfg,
		log:    cfg.Logger.With(slog.String("component", "rabbitmq")),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go rp.run()
	return rp
}

func (rp *reconnectingPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	for {
		rp.mu.RLock()
		ch, ready := rp.ch, rp.ready
		rp.mu.RUnlock()
		if ch != nil {
			return ch, nil
		}

		select {
		case <-ready:
		case <-rp.closed:
			return nil, fmt.Errorf("%w: rabbitmq publisher closed", berr.ErrPermanent)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	ch, err := rp.channel(ctx)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, publishing(m))
}

func (rp *reconnectingPublisher) run() {
	backoff := rp.cfg.ReconnectMin

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := dial(rp.cfg)
		if err != nil {
			sleep := backoff + time.Duration(rand.Int64N(int64(backoff/2)+1))
			sleep = min(sleep, rp.cfg.ReconnectMax)
			rp.log.Warn("rabbitmq connect failed", slog.Any("err", err), slog.Duration("retry_in", sleep))

			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(2*backoff, rp.cfg.ReconnectMax)
			continue
		}
		backoff = rp.cfg.ReconnectMin

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		rp.mu.Lock()
		rp.conn, rp.ch = conn, ch
		close(rp.ready)
		rp.mu.Unlock()
		rp.log.Info("rabbitmq connected")

		var reason *amqp.Error
		select {
		case <-rp.closed:
			return
		case reason = <-notify:
		}

		rp.mu.Lock()
		rp.conn, rp.ch = nil, nil
		rp.ready = make(chan struct{})
		rp.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		rp.log.Warn("rabbitmq connection lost, reconnecting", slog.Any("err", reason))
	}
}

func (rp *reconnectingPublisher) close() {
	rp.once.Do(func() {
		close(rp.closed)

		rp.mu.Lock()
		defer rp.mu.Unlock()
		if rp.ch != nil {
			_ = rp.ch.Close()
			rp.ch = nil
		}
		if rp.conn != nil {
			_ = rp.conn.Close()
			rp.conn = nil
		}
	})
}

// NewWithAMQPConn dials RabbitMQ in the background with auto-reconnect, declares the
// integration exchange and returns the Sender and a cleanup func.
func NewWithAMQPConn(cfg Config) (*Sender, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidConfig)
	}
	rp := newReconnectingPublisher(cfg.withDefaults())
	return New(rp), rp.close, nil
}

// DialConsumer opens a dedicated connection for consuming. The returned cleanup closes it.
func DialConsumer(cfg Config, cc ConsumerConfig) (*Consumer, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: rabbitmq url required", berr.ErrInvalidConfig)
	}

	conn, ch, err := dial(cfg.withDefaults())
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq dial: %w", berr.Transient(err))
	}

	cleanup := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	return NewConsumer(ch, cc), cleanup, nil
}
