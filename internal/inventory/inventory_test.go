package inventory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type capturePublisher struct {
	mu        sync.Mutex
	published []*events.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, topic, key string, v any) error {
	env, err := events.NewEnvelope(topic, key, v)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env)
}

func (p *capturePublisher) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, env)
	return nil
}

func setupService(t *testing.T) *Service {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewService(database, zap.NewNop(), metrics.NewNop())
}

func orderEvent(productID int64, status events.OrderStatus) events.OrderEvent {
	return events.OrderEvent{OrderID: uuid.New(), UserID: 1, ProductID: productID, Amount: 100, Status: status}
}

func TestService_Reserve(t *testing.T) {
	tests := []struct {
		name      string
		stock     int
		want      events.InventoryStatus
		wantStock int
	}{
		{"available", 2, events.InventoryReserved, 1},
		{"sold out", 0, events.InventoryRejected, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := setupService(t)
			ctx := context.Background()
			_ = svc.SetStock(ctx, 5, tt.stock)

			ev := orderEvent(5, events.OrderCreated)
			out, err := svc.Reserve(ctx, ev)
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if out.Status != tt.want {
				t.Errorf("status = %s, want %s", out.Status, tt.want)
			}
			if out.OrderID != ev.OrderID || out.ProductID != 5 {
				t.Errorf("outcome = %+v does not echo the order", out)
			}

			stock, _ := svc.Stock(ctx, 5)
			if stock != tt.wantStock {
				t.Errorf("stock = %d, want %d", stock, tt.wantStock)
			}
		})
	}
}

func TestService_ConcurrentOrdersForLastUnit(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	_ = svc.SetStock(ctx, 5, 1)

	a, b := orderEvent(5, events.OrderCreated), orderEvent(5, events.OrderCreated)

	var wg sync.WaitGroup
	var outA, outB events.InventoryEvent
	wg.Add(2)
	go func() { defer wg.Done(); outA, _ = svc.Reserve(ctx, a) }()
	go func() { defer wg.Done(); outB, _ = svc.Reserve(ctx, b) }()
	wg.Wait()

	reserved := 0
	for _, out := range []events.InventoryEvent{outA, outB} {
		if out.Status == events.InventoryReserved {
			reserved++
		}
	}
	if reserved != 1 {
		t.Errorf("reserved = %d, want exactly 1 (got %s, %s)", reserved, outA.Status, outB.Status)
	}

	stock, _ := svc.Stock(ctx, 5)
	if stock != 0 {
		t.Errorf("stock = %d, want 0", stock)
	}
}

func TestService_ReleaseRoundTrip(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	_ = svc.SetStock(ctx, 5, 3)

	ev := orderEvent(5, events.OrderCreated)
	if _, err := svc.Reserve(ctx, ev); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	restored, err := svc.Release(ctx, ev)
	if err != nil || !restored {
		t.Fatalf("Release = (%v, %v), want (true, nil)", restored, err)
	}
	restored, err = svc.Release(ctx, ev)
	if err != nil || restored {
		t.Fatalf("second Release = (%v, %v), want (false, nil)", restored, err)
	}

	stock, _ := svc.Stock(ctx, 5)
	if stock != 3 {
		t.Errorf("stock = %d, want 3", stock)
	}
}

func TestHandler(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	_ = svc.SetStock(ctx, 5, 1)

	pub := &capturePublisher{}
	h := NewHandler(svc, pub)

	ev := orderEvent(5, events.OrderCreated)
	env, _ := events.NewEnvelope(events.TopicOrders, ev.OrderID.String(), ev)

	// Redelivery republishes the same outcome without taking more stock.
	for i := 0; i < 2; i++ {
		if err := h(ctx, env); err != nil {
			t.Fatalf("handle #%d: %v", i, err)
		}
	}
	if len(pub.published) != 2 {
		t.Fatalf("published = %d, want 2", len(pub.published))
	}
	for _, p := range pub.published {
		if p.Topic != events.TopicInventory || p.Type != events.TypeInventoryReserved || p.Key != ev.OrderID.String() {
			t.Errorf("published %s on %s key %s", p.Type, p.Topic, p.Key)
		}
	}

	ev.Status = events.OrderCancelled
	cancel, _ := events.NewEnvelope(events.TopicOrders, ev.OrderID.String(), ev)
	if err := h(ctx, cancel); err != nil {
		t.Fatalf("handle cancel: %v", err)
	}
	stock, _ := svc.Stock(ctx, 5)
	if stock != 1 {
		t.Errorf("stock after cancel = %d, want 1", stock)
	}
}

func TestHandler_MalformedIsPermanent(t *testing.T) {
	svc := setupService(t)
	h := NewHandler(svc, &capturePublisher{})

	env := &events.Envelope{EventID: "e", Topic: events.TopicOrders, Payload: []byte(`{"orderId":"not-a-uuid"}`)}
	if err := h(context.Background(), env); !bus.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}

func TestHandler_InvalidOrderIsPermanent(t *testing.T) {
	svc := setupService(t)
	ctx := context.Background()
	_ = svc.SetStock(ctx, 5, 3)
	pub := &capturePublisher{}
	h := NewHandler(svc, pub)

	for _, productID := range []int64{0, -5} {
		ev := orderEvent(productID, events.OrderCreated)
		env, _ := events.NewEnvelope(events.TopicOrders, ev.OrderID.String(), ev)
		if err := h(ctx, env); !bus.IsPermanent(err) || !errors.Is(err, events.ErrInvalidOrder) {
			t.Errorf("product %d: error = %v, want permanent ErrInvalidOrder", productID, err)
		}
	}
	if len(pub.published) != 0 {
		t.Errorf("published = %d, want 0", len(pub.published))
	}
	if stock, _ := svc.Stock(ctx, 5); stock != 3 {
		t.Errorf("stock = %d, want 3", stock)
	}
}
