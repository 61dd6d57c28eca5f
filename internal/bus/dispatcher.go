package bus

import (
	"context"
	"errors"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/inbox"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultRedeliveryMaxDelay = 5 * time.Second

// RetryOptions bounds handler retries for one delivery.
type RetryOptions struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Dispatcher runs the delivery pipeline shared by all backends: decode,
// deduplicate, invoke the handler with retries, then mark processed or
// dead-letter.
type Dispatcher struct {
	inbox   inbox.Inbox
	dead    DeadLetterSink
	retry   RetryOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewDispatcher(in inbox.Inbox, dead DeadLetterSink, opts RetryOptions, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	return &Dispatcher{
		inbox:   in,
		dead:    dead,
		retry:   opts,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("ordersaga/bus"),
	}
}

// Deliver processes one raw message for consumer. A nil return means the
// message is settled (processed, duplicate or dead-lettered) and the backend
// may acknowledge it.
func (d *Dispatcher) Deliver(ctx context.Context, consumer, topic, key string, raw []byte, h Handler) error {
	log := d.logger.With(zap.String("consumer", consumer), zap.String("topic", topic), zap.String("key", key))

	env, err := events.DecodeEnvelope(raw)
	if err != nil {
		log.Error("malformed event", zap.Error(err))
		return d.deadLetter(ctx, consumer, topic, key, "", raw, err, 0)
	}
	log = log.With(zap.String("event_id", env.EventID), zap.String("type", env.Type))

	ctx = env.ExtractTrace(ctx)
	ctx, span := d.tracer.Start(ctx, consumer+" process "+topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("messaging.consumer.group.name", consumer),
		))
	defer span.End()

	seen, err := d.inbox.Seen(ctx, consumer, env.EventID)
	if err != nil {
		log.Warn("inbox lookup failed, processing anyway", zap.Error(err))
	}
	if seen {
		log.Debug("duplicate delivery skipped")
		d.metrics.Deliveries.WithLabelValues(consumer, metrics.DeliveryDuplicate).Inc()
		return nil
	}

	var attempts int
	backoff := retry.WithMaxRetries(d.retry.MaxAttempts-1, retry.NewExponential(d.retry.BaseDelay))
	if d.retry.MaxDelay > 0 {
		backoff = retry.WithCappedDuration(d.retry.MaxDelay, backoff)
	}

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := h(ctx, env)
		if err == nil || IsPermanent(err) {
			return err
		}
		log.Warn("handler failed", zap.Int("attempt", attempts), zap.Error(err))
		d.metrics.Deliveries.WithLabelValues(consumer, metrics.DeliveryRetried).Inc()
		return retry.RetryableError(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("event dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
		return d.deadLetter(ctx, consumer, topic, key, env.EventID, raw, err, attempts)
	}

	if err := d.inbox.Mark(ctx, consumer, env.EventID); err != nil {
		log.Warn("inbox mark failed", zap.Error(err))
	}
	d.metrics.Deliveries.WithLabelValues(consumer, metrics.DeliveryOK).Inc()
	return nil
}

// Settle calls Deliver until the message settles or ctx ends. Backends whose
// acknowledgement is cumulative, like Kafka offsets, need it so a later commit
// never covers a message that was neither processed nor dead-lettered.
func (d *Dispatcher) Settle(ctx context.Context, consumer, topic, key string, raw []byte, h Handler) error {
	attempt := 0
	return retry.Do(ctx, d.redeliveryBackoff(), func(ctx context.Context) error {
		attempt++
		err := d.Deliver(ctx, consumer, topic, key, raw, h)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warn("delivery not settled, redelivering",
			zap.String("consumer", consumer),
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return retry.RetryableError(err)
	})
}

// redeliveryBackoff paces redelivery of unsettled messages and reconnects
// after broker errors.
func (d *Dispatcher) redeliveryBackoff() retry.Backoff {
	maxDelay := d.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRedeliveryMaxDelay
	}
	return retry.WithCappedDuration(maxDelay, retry.NewExponential(d.retry.BaseDelay))
}

func (d *Dispatcher) deadLetter(ctx context.Context, consumer, topic, key, eventID string, raw []byte, cause error, attempts int) error {
	d.metrics.Deliveries.WithLabelValues(consumer, metrics.DeliveryDead).Inc()
	err := d.dead.RecordDeadLetter(ctx, db.DeadLetter{
		Consumer: consumer,
		Topic:    topic,
		Key:      key,
		EventID:  eventID,
		Payload:  raw,
		Error:    cause.Error(),
		Attempts: attempts,
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	return nil
}
