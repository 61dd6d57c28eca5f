package choreography

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/buildtall-systems/ordersaga/internal/inbox"
	"github.com/buildtall-systems/ordersaga/internal/inventory"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/buildtall-systems/ordersaga/internal/outbox"
	"github.com/buildtall-systems/ordersaga/internal/payment"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}

type harness struct {
	db     *db.DB
	orders *order.Service
}

// startSystem wires the full choreography over the in-memory bus.
func startSystem(t *testing.T) *harness {
	t.Helper()
	database := setupTestDB(t)
	logger := zap.NewNop()
	m := metrics.NewNop()

	d := bus.NewDispatcher(inbox.NewSQLite(database), database, bus.RetryOptions{MaxAttempts: 3, BaseDelay: time.Millisecond}, logger, m)
	b := bus.NewMemory(d, 4, logger)
	relay := outbox.NewRelay(database, b, 10*time.Millisecond, 50, logger, m)

	inv := inventory.NewService(database, logger, m)
	pay := payment.NewService(database, logger, m)
	coord := NewCoordinator(database, relay, logger, m)

	must(t, b.Subscribe(events.TopicOrders, inventory.Consumer, inventory.NewHandler(inv, b)))
	must(t, b.Subscribe(events.TopicOrders, payment.Consumer, payment.NewHandler(pay, b)))
	must(t, coord.Subscribe(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() { _ = b.Run(ctx); done <- struct{}{} }()
	go func() { _ = relay.Run(ctx); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
		_ = b.Close()
	})

	return &harness{
		db:     database,
		orders: order.NewService(database, NewStarter(relay), mode, logger, m),
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func waitForTerminal(t *testing.T, database *db.DB, id uuid.UUID) *db.Order {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		o, err := database.GetOrder(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if fsm.IsTerminalOrderState(o.Status) {
			return o
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("order %s never reached a terminal status", id)
	return nil
}

// waitFor polls cond until it holds; compensation may trail the terminal status.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChoreography_Confirmed(t *testing.T) {
	h := startSystem(t)
	ctx := context.Background()
	must(t, h.db.SetStock(ctx, 1, 5))
	must(t, h.db.SetBalance(ctx, 1, 1000))

	id, err := h.orders.Place(ctx, order.PlaceRequest{UserID: 1, ProductID: 1, Amount: 400})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	o := waitForTerminal(t, h.db, id)
	if o.Status != fsm.OrderStateConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", o.Status)
	}

	stock, _ := h.db.GetStock(ctx, 1)
	balance, _ := h.db.GetBalance(ctx, 1)
	if stock != 4 || balance != 600 {
		t.Errorf("stock = %d, balance = %d, want 4 and 600", stock, balance)
	}
}

func TestChoreography_PaymentFailureRestoresStock(t *testing.T) {
	h := startSystem(t)
	ctx := context.Background()
	must(t, h.db.SetStock(ctx, 1, 5))
	must(t, h.db.SetBalance(ctx, 1, 100))

	id, err := h.orders.Place(ctx, order.PlaceRequest{UserID: 1, ProductID: 1, Amount: 400})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	o := waitForTerminal(t, h.db, id)
	if o.Status != fsm.OrderStateCancelled {
		t.Fatalf("status = %s, want CANCELLED", o.Status)
	}

	waitFor(t, "stock restored", func() bool {
		stock, _ := h.db.GetStock(ctx, 1)
		n, _ := h.db.CountConsumptions(ctx)
		return stock == 5 && n == 0
	})
	balance, _ := h.db.GetBalance(ctx, 1)
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
}

func TestChoreography_InventoryRejectionRefundsPayment(t *testing.T) {
	h := startSystem(t)
	ctx := context.Background()
	must(t, h.db.SetStock(ctx, 1, 0))
	must(t, h.db.SetBalance(ctx, 1, 1000))

	id, err := h.orders.Place(ctx, order.PlaceRequest{UserID: 1, ProductID: 1, Amount: 400})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	o := waitForTerminal(t, h.db, id)
	if o.Status != fsm.OrderStateCancelled {
		t.Fatalf("status = %s, want CANCELLED", o.Status)
	}

	waitFor(t, "balance restored", func() bool {
		balance, _ := h.db.GetBalance(ctx, 1)
		txn, _ := h.db.GetTransaction(ctx, id)
		return balance == 1000 && txn != nil && txn.Status != db.TxStatusCharged
	})
}

func TestChoreography_TwoOrdersForLastUnit(t *testing.T) {
	h := startSystem(t)
	ctx := context.Background()
	must(t, h.db.SetStock(ctx, 1, 1))
	must(t, h.db.SetBalance(ctx, 1, 1000))
	must(t, h.db.SetBalance(ctx, 2, 1000))

	a, err := h.orders.Place(ctx, order.PlaceRequest{UserID: 1, ProductID: 1, Amount: 100})
	must(t, err)
	b, err := h.orders.Place(ctx, order.PlaceRequest{UserID: 2, ProductID: 1, Amount: 100})
	must(t, err)

	oa, ob := waitForTerminal(t, h.db, a), waitForTerminal(t, h.db, b)
	got := map[string]int{oa.Status: 1}
	got[ob.Status]++
	if got[fsm.OrderStateConfirmed] != 1 || got[fsm.OrderStateCancelled] != 1 {
		t.Fatalf("statuses = %s, %s; want one CONFIRMED and one CANCELLED", oa.Status, ob.Status)
	}

	stock, _ := h.db.GetStock(ctx, 1)
	if stock != 0 {
		t.Errorf("stock = %d, want 0", stock)
	}
}

func envelope(t *testing.T, topic string, id uuid.UUID, v any) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(topic, id.String(), v)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestCoordinator_ArrivalOrder(t *testing.T) {
	tests := []struct {
		name       string
		inventory  events.InventoryStatus
		payment    events.PaymentStatus
		payFirst   bool
		wantStatus string
		wantCancel bool
	}{
		{"inventory then payment", events.InventoryReserved, events.PaymentCompleted, false, fsm.OrderStateConfirmed, false},
		{"payment then inventory", events.InventoryReserved, events.PaymentCompleted, true, fsm.OrderStateConfirmed, false},
		{"payment fails after reservation", events.InventoryReserved, events.PaymentFailed, false, fsm.OrderStateCancelled, true},
		{"payment fails first", events.InventoryReserved, events.PaymentFailed, true, fsm.OrderStateCancelled, true},
		{"inventory rejected after payment", events.InventoryRejected, events.PaymentCompleted, true, fsm.OrderStateCancelled, true},
		{"both fail", events.InventoryRejected, events.PaymentFailed, false, fsm.OrderStateCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := setupTestDB(t)
			ctx := context.Background()
			c := NewCoordinator(database, nil, zap.NewNop(), metrics.NewNop())

			o := &db.Order{ID: uuid.New(), UserID: 1, ProductID: 1, Amount: 100}
			must(t, database.CreateOrder(ctx, o))

			inv := envelope(t, events.TopicInventory, o.ID, events.InventoryEvent{OrderID: o.ID, ProductID: 1, Status: tt.inventory})
			pay := envelope(t, events.TopicPayments, o.ID, events.PaymentEvent{OrderID: o.ID, UserID: 1, Amount: 100, Status: tt.payment})

			steps := []func() error{
				func() error { return c.HandleInventory(ctx, inv) },
				func() error { return c.HandlePayment(ctx, pay) },
			}
			if tt.payFirst {
				steps[0], steps[1] = steps[1], steps[0]
			}
			for _, step := range steps {
				if err := step(); err != nil {
					t.Fatalf("handle: %v", err)
				}
			}
			// Redelivery of either outcome changes nothing.
			must(t, c.HandleInventory(ctx, inv))
			must(t, c.HandlePayment(ctx, pay))

			got, _ := database.GetOrder(ctx, o.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.InventoryStatus.String != string(tt.inventory) || got.PaymentStatus.String != string(tt.payment) {
				t.Errorf("recorded outcomes = %s/%s", got.InventoryStatus.String, got.PaymentStatus.String)
			}

			pending, _ := database.FetchPendingOutbox(ctx, 10)
			cancels := 0
			for _, rec := range pending {
				env, _ := events.DecodeEnvelope(rec.Payload)
				if env.Type == events.TypeOrderCancelled {
					cancels++
				}
			}
			want := 0
			if tt.wantCancel {
				want = 1
			}
			if cancels != want {
				t.Errorf("cancel events = %d, want %d", cancels, want)
			}
		})
	}
}

func TestCoordinator_UnknownOrderIsPermanent(t *testing.T) {
	database := setupTestDB(t)
	c := NewCoordinator(database, nil, zap.NewNop(), metrics.NewNop())

	id := uuid.New()
	env := envelope(t, events.TopicPayments, id, events.PaymentEvent{OrderID: id, Status: events.PaymentCompleted})
	if err := c.HandlePayment(context.Background(), env); !bus.IsPermanent(err) {
		t.Errorf("error = %v, want permanent", err)
	}
}
