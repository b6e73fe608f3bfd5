package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-saga-bus/contract/bus"
	berr "github.com/next-trace/scg-saga-bus/contract/errors"
)

// HeaderAttempt counts how often a record was redelivered by republishing.
const HeaderAttempt = "x-attempt"

// GroupClient is the part of *kgo.Client a Consumer uses.
type GroupClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	AllowRebalance()
}

// Consumer implements bus.Consumer over a Kafka consumer group. Kafka has no
// per-record negative acknowledgement: a requeued record is produced again to its
// topic with an incremented attempt header, and offsets of a poll are committed once
// every record of the poll is settled.
type Consumer struct {
	client GroupClient
}

var _ bus.Consumer = (*Consumer)(nil)

// NewConsumer consumes the topics c was created with.
func NewConsumer(c GroupClient) *Consumer { return &Consumer{client: c} }

func (c *Consumer) Consume(ctx context.Context, fn bus.DeliverFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var errs []error
		fetches.EachError(func(topic string, partition int32, err error) {
			errs = append(errs, fmt.Errorf("fetch %s[%d]: %w", topic, partition, err))
		})
		if len(errs) > 0 {
			return fmt.Errorf("kafka consume: %w", berr.Transient(errors.Join(errs...)))
		}

		if err := c.batch(ctx, fetches.Records(), fn); err != nil {
			return err
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) batch(ctx context.Context, records []*kgo.Record, fn bus.DeliverFunc) error {
	if len(records) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for _, rec := range records {
		wg.Add(1)
		fn(ctx, &delivery{rec: rec, client: c.client, done: wg.Done, failed: &failed})
	}

	settled := make(chan struct{})
	go func() {
		wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	if failed.Load() {
		return fmt.Errorf("kafka consume: %w", berr.Transient(errors.New("requeue failed; uncommitted records will be redelivered")))
	}

	if err := c.client.CommitRecords(ctx, records...); err != nil {
		return fmt.Errorf("kafka commit: %w", berr.Transient(err))
	}

	return nil
}

type delivery struct {
	rec    *kgo.Record
	client GroupClient
	once   sync.Once
	done   func()
	failed *atomic.Bool
}

func (d *delivery) Topic() string { return d.rec.Topic }
func (d *delivery) Body() []byte  { return d.rec.Value }

func (d *delivery) Headers() map[string]string {
	h := make(map[string]string, len(d.rec.Headers))
	for _, kv := range d.rec.Headers {
		h[kv.Key] = string(kv.Value)
	}
	return h
}

func (d *delivery) Attempt() int {
	for _, kv := range d.rec.Headers {
		if kv.Key == HeaderAttempt {
			if n, err := strconv.Atoi(string(kv.Value)); err == nil && n > 0 {
				return n
			}
		}
	}
	return 1
}

func (d *delivery) Ack(context.Context) error {
	d.once.Do(d.done)
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	var err error
	d.once.Do(func() {
		defer d.done()
		if !requeue {
			return
		}

		h := d.Headers()
		h[HeaderAttempt] = strconv.Itoa(d.Attempt() + 1)
		if err = d.client.ProduceSync(ctx, record(d.rec.Topic, d.rec.Key, d.rec.Value, h)).FirstErr(); err != nil {
			d.failed.Store(true)
			err = fmt.Errorf("kafka requeue: %w", berr.Transient(err))
		}
	})
	return err
}
