package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/events"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const exchangeType = "topic"

// RabbitMQ routes events through a durable topic exchange using the topic as
// routing key. Every subscription owns a durable queue consumed with a prefetch
// of one and manual acks, so per-key order holds and unsettled deliveries are
// requeued.
type RabbitMQ struct {
	exchange   string
	dispatcher *Dispatcher
	logger     *zap.Logger
	conn       *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu      sync.Mutex
	subs    []subscription
	running bool
}

// DialRabbitMQ connects, retrying while the broker starts, and declares the exchange.
func DialRabbitMQ(ctx context.Context, url, exchange string, d *Dispatcher, logger *zap.Logger) (*RabbitMQ, error) {
	var conn *amqp.Connection
	backoff := retry.WithMaxRetries(5, retry.NewConstant(2*time.Second))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("connecting to rabbitmq", zap.Error(err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	return &RabbitMQ{
		exchange:   exchange,
		dispatcher: d,
		logger:     logger,
		conn:       conn,
		pubCh:      ch,
	}, nil
}

func (r *RabbitMQ) Subscribe(topic, consumer string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	r.subs = append(r.subs, subscription{topic: topic, consumer: consumer, handler: h})
	return nil
}

func (r *RabbitMQ) Publish(ctx context.Context, topic, key string, v any) error {
	env, raw, err := encode(ctx, topic, key, v)
	if err != nil {
		return err
	}
	return r.publish(ctx, env, raw)
}

func (r *RabbitMQ) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return r.publish(ctx, env, raw)
}

func (r *RabbitMQ) publish(ctx context.Context, env *events.Envelope, raw []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	err := r.pubCh.PublishWithContext(ctx, r.exchange, env.Topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID,
		Type:         env.Type,
		Timestamp:    env.OccurredAt,
		Headers:      amqp.Table{"key": env.Key},
		Body:         raw,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", env.Topic, err)
	}
	return nil
}

func (r *RabbitMQ) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	subs := append([]subscription(nil), r.subs...)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error { return r.consume(ctx, sub) })
	}
	return g.Wait()
}

func (r *RabbitMQ) consume(ctx context.Context, sub subscription) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("setting prefetch: %w", err)
	}

	queueName := fmt.Sprintf("%s.%s.%s", r.exchange, sub.consumer, sub.topic)
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declaring queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, sub.topic, r.exchange, false, nil); err != nil {
		return fmt.Errorf("binding queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, sub.consumer, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("starting consume: %w", err)
	}

	log := r.logger.With(zap.String("consumer", sub.consumer), zap.String("topic", sub.topic))
	log.Info("rabbitmq consumer started", zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			key, _ := d.Headers["key"].(string)
			if err := r.dispatcher.Deliver(ctx, sub.consumer, sub.topic, key, d.Body, sub.handler); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Error("delivery not settled", zap.Error(err))
				_ = d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				log.Error("acking delivery", zap.Error(err))
			}
		}
	}
}

func (r *RabbitMQ) Close() error {
	return r.conn.Close()
}
