// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ordersaga"

// Delivery results recorded by the bus.
const (
	DeliveryOK        = "ok"
	DeliveryDuplicate = "duplicate"
	DeliveryRetried   = "retried"
	DeliveryDead      = "dead_letter"
)

type Metrics struct {
	OrdersPlaced     *prometheus.CounterVec   // mode
	SagaOutcomes     *prometheus.CounterVec   // mode, status
	SagaStepDuration *prometheus.HistogramVec // step
	Compensations    *prometheus.CounterVec   // participant
	Reservations     *prometheus.CounterVec   // status
	Payments         *prometheus.CounterVec   // status
	Deliveries       *prometheus.CounterVec   // consumer, result
	OutboxPublished  prometheus.Counter
	HTTPRequests     *prometheus.CounterVec   // handler, status
	HTTPLatencyMS    *prometheus.HistogramVec // handler
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted for processing.",
		}, []string{"mode"}),
		SagaOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_outcomes_total",
			Help:      "Orders reaching a terminal status.",
		}, []string{"mode", "status"}),
		SagaStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "step_duration_ms",
			Help:      "Time spent executing a saga step in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"step"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating actions applied.",
		}, []string{"participant"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "reservations_total",
			Help:      "Inventory reservation outcomes.",
		}, []string{"status"}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "debits_total",
			Help:      "Payment debit outcomes.",
		}, []string{"status"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "deliveries_total",
			Help:      "Event deliveries by consumer and result.",
		}, []string{"consumer", "result"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox records published to the bus.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		HTTPLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}

	reg.MustRegister(
		m.OrdersPlaced, m.SagaOutcomes, m.SagaStepDuration, m.Compensations,
		m.Reservations, m.Payments, m.Deliveries, m.OutboxPublished,
		m.HTTPRequests, m.HTTPLatencyMS,
	)
	return m
}

// NewNop returns collectors bound to a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
