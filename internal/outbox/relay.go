// Package outbox publishes events committed to the outbox table.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"go.uber.org/zap"
)

// Relay polls the outbox and publishes pending records in insertion order.
// A record is marked sent only after the bus accepted it, so a crash between
// the two republishes it; consumers deduplicate by event id.
type Relay struct {
	store    *db.DB
	pub      bus.Publisher
	interval time.Duration
	batch    int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	wake     chan struct{}
}

func NewRelay(store *db.DB, pub bus.Publisher, interval time.Duration, batch int, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		store:    store,
		pub:      pub,
		interval: interval,
		batch:    batch,
		logger:   logger,
		metrics:  m,
		wake:     make(chan struct{}, 1),
	}
}

// Notify asks the relay to flush without waiting for the next tick.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run flushes on every tick or notification until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.wake:
		}

		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox flush failed", zap.Error(err))
		}
	}
}

// Flush publishes pending records until none remain or one fails. It returns
// the number published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	published := 0
	for {
		records, err := r.store.FetchPendingOutbox(ctx, r.batch)
		if err != nil {
			return published, err
		}
		if len(records) == 0 {
			return published, nil
		}

		for _, rec := range records {
			env, err := events.DecodeEnvelope(rec.Payload)
			if err != nil {
				// Never produced by EnqueueEvent; skip instead of blocking the outbox.
				r.logger.Error("dropping undecodable outbox record", zap.Int64("id", rec.ID), zap.Error(err))
				if err := r.store.MarkOutboxSent(ctx, rec.ID); err != nil {
					return published, err
				}
				continue
			}

			if err := r.pub.PublishEnvelope(ctx, env); err != nil {
				return published, fmt.Errorf("publishing outbox record %d: %w", rec.ID, err)
			}
			if err := r.store.MarkOutboxSent(ctx, rec.ID); err != nil {
				return published, err
			}

			published++
			r.metrics.OutboxPublished.Inc()
			r.logger.Debug("outbox record published",
				zap.Int64("id", rec.ID),
				zap.String("event_id", env.EventID),
				zap.String("topic", env.Topic),
				zap.String("order_id", env.Key))
		}
	}
}

// Purge deletes sent records older than retention.
func (r *Relay) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return r.store.PurgeSentOutbox(ctx, time.Now().Add(-retention))
}
