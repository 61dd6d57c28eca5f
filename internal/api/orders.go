package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/buildtall-systems/ordersaga/internal/order"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type placeResponse struct {
	OrderID uuid.UUID `json:"orderId"`
}

type orderView struct {
	OrderID         uuid.UUID `json:"orderId"`
	UserID          int64     `json:"userId"`
	ProductID       int64     `json:"productId"`
	Amount          int64     `json:"amount"`
	Status          string    `json:"status"`
	InventoryStatus string    `json:"inventoryStatus,omitempty"`
	PaymentStatus   string    `json:"paymentStatus,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func viewOf(o *db.Order) orderView {
	return orderView{
		OrderID:         o.ID,
		UserID:          o.UserID,
		ProductID:       o.ProductID,
		Amount:          o.Amount,
		Status:          o.Status,
		InventoryStatus: o.InventoryStatus.String,
		PaymentStatus:   o.PaymentStatus.String,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req order.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	id, err := s.orders.Place(r.Context(), req)
	if errors.Is(err, order.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to place order", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to place order")
		return
	}
	writeJSON(w, http.StatusAccepted, placeResponse{OrderID: id})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.orders.Get(r.Context(), id)
	if errors.Is(err, db.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get order", zap.Stringer("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list orders", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, viewOf(&orders[i]))
	}
	writeJSON(w, http.StatusOK, views)
}
