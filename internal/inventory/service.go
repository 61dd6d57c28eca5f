// Package inventory reserves and releases stock for orders.
package inventory

import (
	"context"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"go.uber.org/zap"
)

// unitsPerOrder is the quantity every order consumes.
const unitsPerOrder = 1

type Service struct {
	store   *db.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewService(store *db.DB, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, logger: logger, metrics: m}
}

// Reserve takes one unit of the ordered product. Running out of stock, an
// unknown product, or an order that was already compensated are reported as a
// REJECTED outcome, not as an error.
func (s *Service) Reserve(ctx context.Context, ev events.OrderEvent) (events.InventoryEvent, error) {
	res, err := s.store.ReserveInventory(ctx, ev.OrderID, ev.ProductID, unitsPerOrder)
	if err != nil {
		return events.InventoryEvent{}, err
	}

	out := events.InventoryEvent{OrderID: ev.OrderID, ProductID: ev.ProductID, Status: events.InventoryReserved}
	if !res.Reserved {
		out.Status = events.InventoryRejected
	}

	log := s.logger.With(zap.Stringer("order_id", ev.OrderID), zap.Int64("product_id", ev.ProductID))
	switch {
	case res.Duplicate:
		log.Debug("reservation already held")
	case res.Reserved:
		log.Info("inventory reserved")
		s.metrics.Reservations.WithLabelValues(string(out.Status)).Inc()
	default:
		log.Info("inventory rejected", zap.String("reason", res.Reason))
		s.metrics.Reservations.WithLabelValues(string(out.Status)).Inc()
	}
	return out, nil
}

// Release compensates a reservation. It reports whether stock was restored;
// releasing an order with nothing reserved is not an error.
func (s *Service) Release(ctx context.Context, ev events.OrderEvent) (bool, error) {
	rel, err := s.store.ReleaseInventory(ctx, ev.OrderID)
	if err != nil {
		return false, err
	}
	if rel.Restored {
		s.metrics.Compensations.WithLabelValues("inventory").Inc()
		s.logger.Info("inventory released",
			zap.Stringer("order_id", ev.OrderID),
			zap.Int64("product_id", rel.ProductID),
			zap.Int("quantity", rel.Quantity))
	}
	return rel.Restored, nil
}

func (s *Service) SetStock(ctx context.Context, productID int64, available int) error {
	return s.store.SetStock(ctx, productID, available)
}

func (s *Service) Stock(ctx context.Context, productID int64) (int, error) {
	return s.store.GetStock(ctx, productID)
}
