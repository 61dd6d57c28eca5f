package bus

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/queue"
	"go.uber.org/zap"
)

type memoryMessage struct {
	topic string
	key   string
	raw   []byte
}

type memorySub struct {
	subscription
	partitions []*queue.Unbounded[memoryMessage]
}

// Memory is an in-process bus. Each subscription gets a fixed number of
// partitions; a key always hashes to the same partition, which preserves
// per-key order while distinct keys proceed concurrently.
type Memory struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
	partitions int

	mu      sync.RWMutex
	subs    map[string][]*memorySub
	all     []*memorySub
	running bool
	closed  bool
	wg      sync.WaitGroup
}

func NewMemory(d *Dispatcher, partitions int, logger *zap.Logger) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	return &Memory{
		dispatcher: d,
		logger:     logger,
		partitions: partitions,
		subs:       make(map[string][]*memorySub),
	}
}

func (m *Memory) Subscribe(topic, consumer string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}

	sub := &memorySub{subscription: subscription{topic: topic, consumer: consumer, handler: h}}
	for i := 0; i < m.partitions; i++ {
		sub.partitions = append(sub.partitions, queue.NewUnbounded[memoryMessage]())
	}
	m.subs[topic] = append(m.subs[topic], sub)
	m.all = append(m.all, sub)
	return nil
}

func (m *Memory) Publish(ctx context.Context, topic, key string, v any) error {
	_, raw, err := encode(ctx, topic, key, v)
	if err != nil {
		return err
	}
	return m.publishRaw(topic, key, raw)
}

func (m *Memory) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return err
	}
	return m.publishRaw(env.Topic, env.Key, raw)
}

// PublishRaw enqueues bytes as-is. Used to exercise malformed-event handling.
func (m *Memory) PublishRaw(topic, key string, raw []byte) error {
	return m.publishRaw(topic, key, raw)
}

func (m *Memory) publishRaw(topic, key string, raw []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	p := partitionFor(key, m.partitions)
	for _, sub := range m.subs[topic] {
		sub.partitions[p].Push(memoryMessage{topic: topic, key: key, raw: raw})
	}
	return nil
}

// Run consumes every partition until ctx is done.
func (m *Memory) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.closed {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	subs := append([]*memorySub(nil), m.all...)
	m.mu.Unlock()

	for _, sub := range subs {
		for _, part := range sub.partitions {
			m.wg.Add(1)
			go m.consume(ctx, sub, part)
		}
	}

	<-ctx.Done()
	m.wg.Wait()
	return nil
}

func (m *Memory) consume(ctx context.Context, sub *memorySub, part *queue.Unbounded[memoryMessage]) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-part.Out():
			if !ok {
				return
			}
			if err := m.dispatcher.Deliver(ctx, sub.consumer, msg.topic, msg.key, msg.raw, sub.handler); err != nil && ctx.Err() == nil {
				m.logger.Error("delivery not settled",
					zap.String("consumer", sub.consumer),
					zap.String("topic", msg.topic),
					zap.Error(err))
			}
		}
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, sub := range m.all {
		for _, part := range sub.partitions {
			part.Close()
		}
	}
	return nil
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
