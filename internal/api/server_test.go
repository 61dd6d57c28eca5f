package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/inventory"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/buildtall-systems/ordersaga/internal/payment"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type nopStarter struct{}

func (nopStarter) Prepare(context.Context, *db.Tx, *db.Order) error { return nil }
func (nopStarter) Started(context.Context, *db.Order)               {}

func setupServer(t *testing.T) (*db.DB, http.Handler) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	srv := NewServer(
		order.NewService(database, nopStarter{}, "test", logger, m),
		inventory.NewService(database, logger, m),
		payment.NewService(database, logger, m),
		reg, logger, m,
	)
	return database, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPlaceOrder(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"userId":1,"productId":2,"amount":30}`, http.StatusAccepted},
		{"malformed json", `{"userId":`, http.StatusBadRequest},
		{"zero amount", `{"userId":1,"productId":2,"amount":0}`, http.StatusBadRequest},
		{"negative user", `{"userId":-1,"productId":2,"amount":5}`, http.StatusBadRequest},
		{"missing product", `{"userId":1,"amount":5}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := setupServer(t)
			rec := do(t, h, http.MethodPost, "/orders", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			var resp placeResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.OrderID == uuid.Nil {
				t.Error("expected an order id")
			}
		})
	}
}

func TestGetOrder(t *testing.T) {
	_, h := setupServer(t)
	rec := do(t, h, http.MethodPost, "/orders", `{"userId":1,"productId":2,"amount":30}`)
	var placed placeResponse
	if err := json.NewDecoder(rec.Body).Decode(&placed); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"existing", "/orders/" + placed.OrderID.String(), http.StatusOK},
		{"unknown", "/orders/" + uuid.NewString(), http.StatusNotFound},
		{"malformed id", "/orders/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	rec = do(t, h, http.MethodGet, "/orders/"+placed.OrderID.String(), "")
	var view orderView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatal(err)
	}
	if view.Status != "CREATED" || view.Amount != 30 || view.InventoryStatus != "" {
		t.Errorf("unexpected view %+v", view)
	}
}

func TestListOrders(t *testing.T) {
	_, h := setupServer(t)
	for i := 0; i < 3; i++ {
		do(t, h, http.MethodPost, "/orders", `{"userId":1,"productId":2,"amount":10}`)
	}

	rec := do(t, h, http.MethodGet, "/orders", "")
	var views []orderView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 3 {
		t.Errorf("len = %d, want 3", len(views))
	}
}

func TestParticipantCommands(t *testing.T) {
	database, h := setupServer(t)
	ctx := context.Background()
	if err := database.SetStock(ctx, 2, 1); err != nil {
		t.Fatal(err)
	}
	if err := database.SetBalance(ctx, 1, 50); err != nil {
		t.Fatal(err)
	}

	ev := events.OrderEvent{OrderID: uuid.New(), UserID: 1, ProductID: 2, Amount: 20, Status: events.OrderCreated}
	body, _ := json.Marshal(ev)

	rec := do(t, h, http.MethodPost, "/inventory/reserve", string(body))
	var inv events.InventoryEvent
	if err := json.NewDecoder(rec.Body).Decode(&inv); err != nil {
		t.Fatal(err)
	}
	if inv.Status != events.InventoryReserved {
		t.Errorf("reserve status = %s", inv.Status)
	}

	rec = do(t, h, http.MethodPost, "/payment/debit", string(body))
	var pay events.PaymentEvent
	if err := json.NewDecoder(rec.Body).Decode(&pay); err != nil {
		t.Fatal(err)
	}
	if pay.Status != events.PaymentCompleted {
		t.Errorf("debit status = %s", pay.Status)
	}

	rec = do(t, h, http.MethodPost, "/payment/credit", string(body))
	if !strings.Contains(rec.Body.String(), `"refunded":true`) {
		t.Errorf("credit body = %s", rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/inventory/release", string(body))
	if !strings.Contains(rec.Body.String(), `"released":true`) {
		t.Errorf("release body = %s", rec.Body.String())
	}

	if stock, _ := database.GetStock(ctx, 2); stock != 1 {
		t.Errorf("stock = %d, want 1", stock)
	}
	if balance, _ := database.GetBalance(ctx, 1); balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}
}

func TestParticipantCommand_RejectsInvalidEvent(t *testing.T) {
	database, h := setupServer(t)
	ctx := context.Background()
	if err := database.SetStock(ctx, 2, 5); err != nil {
		t.Fatal(err)
	}
	if err := database.SetBalance(ctx, 1, 100); err != nil {
		t.Fatal(err)
	}

	orderID := uuid.New().String()
	tests := []struct {
		name string
		path string
		body string
	}{
		{"missing order id", "/inventory/reserve", `{"userId":1,"productId":2,"amount":10,"status":"CREATED"}`},
		{"negative debit", "/payment/debit", `{"orderId":"` + orderID + `","userId":1,"productId":2,"amount":-500,"status":"CREATED"}`},
		{"zero debit", "/payment/debit", `{"orderId":"` + orderID + `","userId":1,"productId":2,"amount":0,"status":"CREATED"}`},
		{"missing user", "/payment/debit", `{"orderId":"` + orderID + `","productId":2,"amount":10,"status":"CREATED"}`},
		{"missing product", "/inventory/reserve", `{"orderId":"` + orderID + `","userId":1,"amount":10,"status":"CREATED"}`},
		{"unknown status", "/payment/debit", `{"orderId":"` + orderID + `","userId":1,"productId":2,"amount":10,"status":"SHIPPED"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}

	if balance, _ := database.GetBalance(ctx, 1); balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
	if stock, _ := database.GetStock(ctx, 2); stock != 5 {
		t.Errorf("stock = %d, want 5", stock)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, h := setupServer(t)

	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte(`handler="health"`)) {
		t.Error("expected the health request to be counted")
	}
}
