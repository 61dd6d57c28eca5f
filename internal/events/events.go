// Package events defines the messages exchanged between the order, inventory and
// payment components, and the topics they travel on. Every event is keyed by its
// order id so the bus keeps per-order ordering.
package events

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	TopicOrders    = "orders"
	TopicInventory = "inventory"
	TopicPayments  = "payments"
)

const (
	TypeOrderCreated      = "order.created"
	TypeOrderCancelled    = "order.cancelled"
	TypeInventoryReserved = "inventory.reserved"
	TypeInventoryRejected = "inventory.rejected"
	TypePaymentCompleted  = "payment.completed"
	TypePaymentFailed     = "payment.failed"
)

type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type InventoryStatus string

const (
	InventoryReserved InventoryStatus = "RESERVED"
	InventoryRejected InventoryStatus = "REJECTED"
)

type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// OrderEvent announces a placed or cancelled order.
type OrderEvent struct {
	OrderID   uuid.UUID   `json:"orderId"`
	UserID    int64       `json:"userId"`
	ProductID int64       `json:"productId"`
	Amount    int64       `json:"amount"`
	Status    OrderStatus `json:"status"`
}

// InventoryEvent reports the outcome of a reservation attempt.
type InventoryEvent struct {
	OrderID   uuid.UUID       `json:"orderId"`
	ProductID int64           `json:"productId"`
	Status    InventoryStatus `json:"status"`
}

// PaymentEvent reports the outcome of a debit attempt.
type PaymentEvent struct {
	OrderID uuid.UUID     `json:"orderId"`
	UserID  int64         `json:"userId"`
	Amount  int64         `json:"amount"`
	Status  PaymentStatus `json:"status"`
}

func (e OrderEvent) Type() string {
	if e.Status == OrderCancelled {
		return TypeOrderCancelled
	}
	return TypeOrderCreated
}

func (e InventoryEvent) Type() string {
	if e.Status == InventoryReserved {
		return TypeInventoryReserved
	}
	return TypeInventoryRejected
}

func (e PaymentEvent) Type() string {
	if e.Status == PaymentCompleted {
		return TypePaymentCompleted
	}
	return TypePaymentFailed
}

// Validate reports whether the event carries enough to act on.
func (e OrderEvent) Validate() error {
	if e.OrderID == uuid.Nil {
		return ErrMissingOrderID
	}
	switch e.Status {
	case OrderCreated:
		if e.UserID <= 0 || e.ProductID <= 0 || e.Amount <= 0 {
			return fmt.Errorf("%w: userId=%d productId=%d amount=%d", ErrInvalidOrder, e.UserID, e.ProductID, e.Amount)
		}
	case OrderCancelled:
	default:
		return ErrUnknownStatus
	}
	return nil
}

func (e InventoryEvent) Validate() error {
	if e.OrderID == uuid.Nil {
		return ErrMissingOrderID
	}
	switch e.Status {
	case InventoryReserved, InventoryRejected:
	default:
		return ErrUnknownStatus
	}
	return nil
}

func (e PaymentEvent) Validate() error {
	if e.OrderID == uuid.Nil {
		return ErrMissingOrderID
	}
	switch e.Status {
	case PaymentCompleted, PaymentFailed:
	default:
		return ErrUnknownStatus
	}
	return nil
}
