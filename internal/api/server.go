// Package api serves the order endpoints, the participant command endpoints
// used by a remote orchestrator, and health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/httpclient"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Inventory is the participant surface exposed over HTTP.
type Inventory interface {
	Reserve(ctx context.Context, ev events.OrderEvent) (events.InventoryEvent, error)
	Release(ctx context.Context, ev events.OrderEvent) (bool, error)
}

type Payment interface {
	Debit(ctx context.Context, ev events.OrderEvent) (events.PaymentEvent, error)
	Credit(ctx context.Context, ev events.OrderEvent) (bool, error)
}

type Server struct {
	orders    *order.Service
	inventory Inventory
	payment   Payment
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewServer builds the API. A nil orders, inventory or payment leaves the
// matching endpoints unregistered.
func NewServer(orders *order.Service, inv Inventory, pay Payment, g prometheus.Gatherer, logger *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{orders: orders, inventory: inv, payment: pay, gatherer: g, logger: logger, metrics: m}
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.instrument("health", s.health))
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}

	if s.orders != nil {
		mux.HandleFunc("POST /orders", s.instrument("place_order", s.placeOrder))
		mux.HandleFunc("GET /orders", s.instrument("list_orders", s.listOrders))
		mux.HandleFunc("GET /orders/{id}", s.instrument("get_order", s.getOrder))
	}

	if s.inventory != nil {
		mux.HandleFunc("POST "+httpclient.PathReserve, s.instrument("inventory_reserve", s.reserve))
		mux.HandleFunc("POST "+httpclient.PathRelease, s.instrument("inventory_release", s.release))
	}
	if s.payment != nil {
		mux.HandleFunc("POST "+httpclient.PathDebit, s.instrument("payment_debit", s.debit))
		mux.HandleFunc("POST "+httpclient.PathCredit, s.instrument("payment_credit", s.credit))
	}
	return mux
}

// Serve runs an http.Server on addr until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h(rec, r.WithContext(ctx))

		s.metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		s.metrics.HTTPLatencyMS.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
