package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/next-trace/scg-saga-bus/contract/bus"
)

// RunSweeper runs Sweep on every tick until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "saga sweep failed", slog.Any("err", err))
			}
		}
	}
}

// Sweep compensates live sagas past their deadline, flushes pending outboxes and
// archives terminal sagas past their retention.
func (c *Coordinator) Sweep(ctx context.Context) error {
	now := c.now()
	var errs []error

	due, err := c.store.ListDue(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("list due sagas: %w", err))
	}
	for _, inst := range due {
		if err := c.expire(ctx, inst, now); err != nil {
			errs = append(errs, err)
		}
	}

	pending, err := c.store.ListOutbox(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list saga outboxes: %w", err))
	}
	for _, inst := range pending {
		c.flush(ctx, inst, c.logger.With(
			slog.String("saga", inst.Saga),
			slog.String("correlation_id", inst.CorrelationID.String()),
		))
	}

	c.mu.RLock()
	defs := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		defs = append(defs, d)
	}
	c.mu.RUnlock()

	for _, d := range defs {
		n, err := c.store.DeleteFinished(ctx, d.Name, now.Add(-d.Retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("archive saga %s: %w", d.Name, err))
			continue
		}
		if n > 0 {
			c.logger.DebugContext(ctx, "finished sagas archived", slog.String("saga", d.Name), slog.Int64("count", n))
		}
	}

	return errors.Join(errs...)
}

func (c *Coordinator) expire(ctx context.Context, inst *Instance, now time.Time) error {
	def, ok := c.definition(inst.Saga)
	if !ok {
		return nil
	}

	log := c.logger.With(
		slog.String("saga", inst.Saga),
		slog.String("correlation_id", inst.CorrelationID.String()),
	)

	parent := bus.Envelope{ID: inst.TriggerID, CorrelationID: inst.CorrelationID}
	m := newMachine(def, inst.Clone(), now, parent)
	if err := m.expire(); err != nil {
		return fmt.Errorf("expire saga %s/%s: %w", inst.Saga, inst.CorrelationID, err)
	}

	if err := c.store.Update(ctx, m.inst, inst.Version); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			// progressed concurrently; the next sweep re-evaluates
			return nil
		}
		return fmt.Errorf("expire saga %s/%s: %w", inst.Saga, inst.CorrelationID, err)
	}

	log.WarnContext(ctx, "saga timed out, compensating", slog.String("reason", m.inst.Reason))
	c.report(ctx, m.transitions, log)
	c.flush(ctx, m.inst, log)

	return nil
}
