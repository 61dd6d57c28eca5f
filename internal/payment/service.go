// Package payment debits and refunds user balances for orders.
package payment

import (
	"context"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"go.uber.org/zap"
)

type Service struct {
	store   *db.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store *db.DB, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, logger: logger, metrics: m}
}

// Debit charges the order amount. An insufficient balance, unknown user or an
// order whose payment was already compensated yields FAILED with no mutation.
func (s *Service) Debit(ctx context.Context, ev events.OrderEvent) (events.PaymentEvent, error) {
	charge, err := s.store.DebitBalance(ctx, ev.OrderID, ev.UserID, ev.Amount)
	if err != nil {
		return events.PaymentEvent{}, err
	}

	out := events.PaymentEvent{OrderID: ev.OrderID, UserID: ev.UserID, Amount: ev.Amount, Status: events.PaymentCompleted}
	if !charge.Completed {
		out.Status = events.PaymentFailed
	}

	log := s.logger.With(zap.Stringer("order_id", ev.OrderID), zap.Int64("user_id", ev.UserID), zap.Int64("amount", ev.Amount))
	switch {
	case charge.Duplicate:
		log.Debug("payment already charged")
	case charge.Completed:
		log.Info("payment completed")
		s.metrics.Payments.WithLabelValues(string(out.Status)).Inc()
	default:
		log.Info("payment failed", zap.String("reason", charge.Reason))
		s.metrics.Payments.WithLabelValues(string(out.Status)).Inc()
	}
	return out, nil
}

// Credit refunds the amount originally charged for the order. It reports
// whether money moved; crediting an order never debited only records a void.
func (s *Service) Credit(ctx context.Context, ev events.OrderEvent) (bool, error) {
	refund, err := s.store.CreditBalance(ctx, ev.OrderID, ev.UserID)
	if err != nil {
		return false, err
	}
	if refund.Refunded {
		s.metrics.Compensations.WithLabelValues("payment").Inc()
		s.logger.Info("payment refunded",
			zap.Stringer("order_id", ev.OrderID),
			zap.Int64("amount", refund.Amount))
	}
	return refund.Refunded, nil
}

func (s *Service) SetBalance(ctx context.Context, userID, balance int64) error {
	return s.store.SetBalance(ctx, userID, balance)
}

func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.store.GetBalance(ctx, userID)
}
