package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func startMemory(t *testing.T, m *Memory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = m.Close()
	})
}

func TestMemory_FanOutToEveryConsumer(t *testing.T) {
	d, _, _ := newTestDispatcher(1)
	m := NewMemory(d, 4, zap.NewNop())

	var mu sync.Mutex
	got := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(2)
	for _, consumer := range []string{"inventory", "payment"} {
		if err := m.Subscribe(events.TopicOrders, consumer, func(ctx context.Context, env *events.Envelope) error {
			mu.Lock()
			got[consumer]++
			mu.Unlock()
			wg.Done()
			return nil
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	startMemory(t, m)

	id := uuid.New()
	if err := m.Publish(context.Background(), events.TopicOrders, id.String(), events.OrderEvent{OrderID: id, Status: events.OrderCreated}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitTimeout(t, &wg, 2*time.Second)
	if got["inventory"] != 1 || got["payment"] != 1 {
		t.Errorf("deliveries = %v, want one per consumer", got)
	}
}

func TestMemory_PerKeyOrder(t *testing.T) {
	d, _, _ := newTestDispatcher(1)
	m := NewMemory(d, 8, zap.NewNop())

	const perKey = 50
	keys := []string{"a", "b", "c", "d"}

	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup
	wg.Add(perKey * len(keys))

	err := m.Subscribe("seq", "checker", func(ctx context.Context, env *events.Envelope) error {
		var n int
		if err := env.Decode(&n); err != nil {
			return Permanent(err)
		}
		mu.Lock()
		seen[env.Key] = append(seen[env.Key], n)
		mu.Unlock()
		wg.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	startMemory(t, m)

	for i := 0; i < perKey; i++ {
		for _, k := range keys {
			if err := m.Publish(context.Background(), "seq", k, i); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		}
	}

	waitTimeout(t, &wg, 5*time.Second)
	for _, k := range keys {
		for i, n := range seen[k] {
			if n != i {
				t.Fatalf("key %s: position %d got %d", k, i, n)
			}
		}
	}
}

func TestMemory_SubscribeAfterRun(t *testing.T) {
	d, _, _ := newTestDispatcher(1)
	m := NewMemory(d, 1, zap.NewNop())
	startMemory(t, m)

	// Run sets the flag asynchronously.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := m.Subscribe("t", "c", func(context.Context, *events.Envelope) error { return nil }); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Subscribe after Run should fail")
}

func TestMemory_MalformedGoesToDeadLetter(t *testing.T) {
	d, _, sink := newTestDispatcher(1)
	m := NewMemory(d, 1, zap.NewNop())
	_ = m.Subscribe(events.TopicOrders, "payment", func(context.Context, *events.Envelope) error { return nil })
	startMemory(t, m)

	if err := m.PublishRaw(events.TopicOrders, "k", []byte("garbage")); err != nil {
		t.Fatalf("PublishRaw: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Errorf("dead letters = %d, want 1", sink.count())
	}
}

func TestPartitionFor_Stable(t *testing.T) {
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("order-%d", i)
		p := partitionFor(key, 8)
		if p < 0 || p >= 8 {
			t.Fatalf("partition %d out of range", p)
		}
		if partitionFor(key, 8) != p {
			t.Fatalf("partition for %s not stable", key)
		}
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for deliveries")
	}
}
