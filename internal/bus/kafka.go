package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// KafkaOptions configures the Kafka backend.
type KafkaOptions struct {
	Brokers     []string
	GroupPrefix string
	ClientID    string
}

// Kafka publishes with the order id as message key and the Hash balancer, so
// every event of one order lands on the same partition. Each subscription is a
// consumer group; offsets are committed only after the delivery settles.
type Kafka struct {
	opts       KafkaOptions
	dispatcher *Dispatcher
	logger     *zap.Logger
	writer     *otelkafka.Writer

	mu      sync.Mutex
	subs    []subscription
	running bool
}

func NewKafka(opts KafkaOptions, d *Dispatcher, tp trace.TracerProvider, logger *zap.Logger) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}

	base := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	writer, err := otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			attribute.String("messaging.kafka.client_id", opts.ClientID),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka writer: %w", err)
	}

	return &Kafka{opts: opts, dispatcher: d, logger: logger, writer: writer}, nil
}

func (k *Kafka) Subscribe(topic, consumer string, h Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return ErrAlreadyRunning
	}
	k.subs = append(k.subs, subscription{topic: topic, consumer: consumer, handler: h})
	return nil
}

func (k *Kafka) Publish(ctx context.Context, topic, key string, v any) error {
	env, raw, err := encode(ctx, topic, key, v)
	if err != nil {
		return err
	}
	return k.write(ctx, env, raw)
}

func (k *Kafka) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return k.write(ctx, env, raw)
}

func (k *Kafka) write(ctx context.Context, env *events.Envelope, raw []byte) error {
	err := k.writer.WriteMessage(ctx, kafka.Message{
		Topic: env.Topic,
		Key:   []byte(env.Key),
		Value: raw,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("writing to kafka topic %s: %w", env.Topic, err)
	}
	return nil
}

// Run starts one reader per subscription and blocks until ctx is done.
func (k *Kafka) Run(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return ErrAlreadyRunning
	}
	k.running = true
	subs := append([]subscription(nil), k.subs...)
	k.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		g.Go(func() error { return k.consume(ctx, sub) })
	}
	return g.Wait()
}

func (k *Kafka) consume(ctx context.Context, sub subscription) error {
	group := sub.consumer
	if k.opts.GroupPrefix != "" {
		group = k.opts.GroupPrefix + "-" + sub.consumer
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.opts.Brokers,
		Topic:    sub.topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  250 * time.Millisecond,
	})
	defer func() { _ = reader.Close() }()

	log := k.logger.With(zap.String("consumer", sub.consumer), zap.String("topic", sub.topic))
	log.Info("kafka consumer started", zap.String("group", group))

	fetchBackoff := k.dispatcher.redeliveryBackoff()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait, _ := fetchBackoff.Next()
			log.Error("fetching message", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		fetchBackoff = k.dispatcher.redeliveryBackoff()

		// Committing an offset acknowledges every earlier message of the
		// partition, so the message is settled before the loop moves on.
		if err := k.dispatcher.Settle(ctx, sub.consumer, msg.Topic, string(msg.Key), msg.Value, sub.handler); err != nil {
			// Settle gives up only when ctx ends.
			return nil
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("committing offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
