// Package order places orders and exposes their saga progress.
package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidRequest indicates a placement request failed validation.
var ErrInvalidRequest = errors.New("invalid order request")

// PlaceRequest is the input to Place.
type PlaceRequest struct {
	UserID    int64 `json:"userId"`
	ProductID int64 `json:"productId"`
	Amount    int64 `json:"amount"`
}

func (r PlaceRequest) validate() error {
	switch {
	case r.UserID <= 0:
		return fmt.Errorf("%w: userId must be positive", ErrInvalidRequest)
	case r.ProductID <= 0:
		return fmt.Errorf("%w: productId must be positive", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}

// Starter hands a new order to the saga variant in use.
type Starter interface {
	// Prepare runs inside the transaction that creates the order.
	Prepare(ctx context.Context, tx *db.Tx, o *db.Order) error
	// Started runs after the transaction committed.
	Started(ctx context.Context, o *db.Order)
}

type Service struct {
	store   *db.DB
	starter Starter
	mode    string
	logger  *zap.Logger
	metrics *metrics.Metrics
	reads   singleflight.Group
}

func NewService(store *db.DB, starter Starter, mode string, logger *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, starter: starter, mode: mode, logger: logger, metrics: m}
}

// Place persists a CREATED order and starts its saga. It returns as soon as
// the order is durable; the outcome is observed through Get.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (uuid.UUID, error) {
	if err := req.validate(); err != nil {
		return uuid.Nil, err
	}

	o := &db.Order{
		ID:        uuid.New(),
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Amount:    req.Amount,
	}

	err := s.store.CreateOrder(ctx, o, func(tx *db.Tx) error {
		return s.starter.Prepare(ctx, tx, o)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("placing order: %w", err)
	}

	s.starter.Started(ctx, o)
	s.metrics.OrdersPlaced.WithLabelValues(s.mode).Inc()
	s.logger.Info("order placed",
		zap.Stringer("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.Int64("product_id", o.ProductID),
		zap.Int64("amount", o.Amount))
	return o.ID, nil
}

// Get returns the current view of an order. Concurrent reads of the same order
// share one query.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Order, error) {
	v, err, _ := s.reads.Do(id.String(), func() (interface{}, error) {
		return s.store.GetOrder(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	o := *v.(*db.Order)
	return &o, nil
}

func (s *Service) List(ctx context.Context) ([]db.Order, error) {
	return s.store.ListOrders(ctx)
}
