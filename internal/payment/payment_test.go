package payment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/buildtall-systems/ordersaga/internal/bus"
	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type capturePublisher struct {
	published []*events.Envelope
	err       error
}

func (p *capturePublisher) Publish(ctx context.Context, topic, key string, v any) error {
	if p.err != nil {
		return p.err
	}
	env, err := events.NewEnvelope(topic, key, v)
	if err != nil {
		return err
	}
	p.published = append(p.published, env)
	return nil
}

func (p *capturePublisher) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	p.published = append(p.published, env)
	return nil
}

func setupService(t *testing.T) (*Service, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return NewService(database, zap.NewNop(), metrics.NewNop()), database
}

func TestService_Debit(t *testing.T) {
	tests := []struct {
		name        string
		balance     int64
		amount      int64
		want        events.PaymentStatus
		wantBalance int64
	}{
		{"sufficient balance", 1000, 250, events.PaymentCompleted, 750},
		{"insufficient balance", 100, 250, events.PaymentFailed, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := setupService(t)
			ctx := context.Background()
			_ = svc.SetBalance(ctx, 7, tt.balance)

			ev := events.OrderEvent{OrderID: uuid.New(), UserID: 7, ProductID: 1, Amount: tt.amount, Status: events.OrderCreated}
			out, err := svc.Debit(ctx, ev)
			if err != nil {
				t.Fatalf("Debit: %v", err)
			}
			if out.Status != tt.want {
				t.Errorf("status = %s, want %s", out.Status, tt.want)
			}
			if out.OrderID != ev.OrderID || out.Amount != tt.amount {
				t.Errorf("outcome = %+v does not echo the order", out)
			}

			balance, _ := svc.Balance(ctx, 7)
			if balance != tt.wantBalance {
				t.Errorf("balance = %d, want %d", balance, tt.wantBalance)
			}
		})
	}
}

func TestService_CreditRestoresBalance(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	_ = svc.SetBalance(ctx, 7, 1000)

	ev := events.OrderEvent{OrderID: uuid.New(), UserID: 7, ProductID: 1, Amount: 400, Status: events.OrderCreated}
	if _, err := svc.Debit(ctx, ev); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	for i, want := range []bool{true, false} {
		refunded, err := svc.Credit(ctx, ev)
		if err != nil {
			t.Fatalf("Credit #%d: %v", i, err)
		}
		if refunded != want {
			t.Errorf("Credit #%d refunded = %v, want %v", i, refunded, want)
		}
	}

	balance, _ := svc.Balance(ctx, 7)
	if balance != 1000 {
		t.Errorf("balance = %d, want 1000", balance)
	}
}

func TestHandler(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	_ = svc.SetBalance(ctx, 7, 1000)

	pub := &capturePublisher{}
	h := NewHandler(svc, pub)

	orderID := uuid.New()
	created, _ := events.NewEnvelope(events.TopicOrders, orderID.String(),
		events.OrderEvent{OrderID: orderID, UserID: 7, ProductID: 1, Amount: 300, Status: events.OrderCreated})
	if err := h(ctx, created); err != nil {
		t.Fatalf("handle created: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	if pub.published[0].Topic != events.TopicPayments || pub.published[0].Type != events.TypePaymentCompleted {
		t.Errorf("published %s on %s", pub.published[0].Type, pub.published[0].Topic)
	}

	cancelled, _ := events.NewEnvelope(events.TopicOrders, orderID.String(),
		events.OrderEvent{OrderID: orderID, UserID: 7, ProductID: 1, Amount: 300, Status: events.OrderCancelled})
	if err := h(ctx, cancelled); err != nil {
		t.Fatalf("handle cancelled: %v", err)
	}

	balance, _ := svc.Balance(ctx, 7)
	if balance != 1000 {
		t.Errorf("balance after cancel = %d, want 1000", balance)
	}
}

func TestHandler_Errors(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()
	_ = svc.SetBalance(ctx, 7, 1000)

	t.Run("malformed payload is permanent", func(t *testing.T) {
		h := NewHandler(svc, &capturePublisher{})
		env := &events.Envelope{EventID: "e", Topic: events.TopicOrders, Payload: []byte(`"nope"`)}
		if err := h(ctx, env); !bus.IsPermanent(err) {
			t.Errorf("error = %v, want permanent", err)
		}
	})

	t.Run("missing order id is permanent", func(t *testing.T) {
		h := NewHandler(svc, &capturePublisher{})
		env, _ := events.NewEnvelope(events.TopicOrders, "k", events.OrderEvent{Status: events.OrderCreated})
		err := h(ctx, env)
		if !bus.IsPermanent(err) || !errors.Is(err, events.ErrMissingOrderID) {
			t.Errorf("error = %v, want permanent ErrMissingOrderID", err)
		}
	})

	t.Run("non-positive order fields are permanent", func(t *testing.T) {
		bad := []events.OrderEvent{
			{OrderID: uuid.New(), UserID: 7, ProductID: 1, Amount: -500, Status: events.OrderCreated},
			{OrderID: uuid.New(), UserID: 7, ProductID: 1, Amount: 0, Status: events.OrderCreated},
			{OrderID: uuid.New(), UserID: 0, ProductID: 1, Amount: 10, Status: events.OrderCreated},
			{OrderID: uuid.New(), UserID: 7, ProductID: -1, Amount: 10, Status: events.OrderCreated},
		}
		pub := &capturePublisher{}
		h := NewHandler(svc, pub)
		for _, ev := range bad {
			env, _ := events.NewEnvelope(events.TopicOrders, ev.OrderID.String(), ev)
			err := h(ctx, env)
			if !bus.IsPermanent(err) || !errors.Is(err, events.ErrInvalidOrder) {
				t.Errorf("amount=%d user=%d product=%d: error = %v, want permanent ErrInvalidOrder",
					ev.Amount, ev.UserID, ev.ProductID, err)
			}
		}
		if len(pub.published) != 0 {
			t.Errorf("published = %d, want 0", len(pub.published))
		}
		if balance, _ := svc.Balance(ctx, 7); balance != 1000 {
			t.Errorf("balance = %d, want 1000", balance)
		}
	})

	t.Run("publish failure is retryable", func(t *testing.T) {
		boom := errors.New("broker down")
		h := NewHandler(svc, &capturePublisher{err: boom})
		id := uuid.New()
		env, _ := events.NewEnvelope(events.TopicOrders, id.String(),
			events.OrderEvent{OrderID: id, UserID: 7, ProductID: 1, Amount: 10, Status: events.OrderCreated})
		err := h(ctx, env)
		if !errors.Is(err, boom) || bus.IsPermanent(err) {
			t.Errorf("error = %v, want retryable %v", err, boom)
		}
	})
}
