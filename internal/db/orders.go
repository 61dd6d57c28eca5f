package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/google/uuid"
)

var orderSM = fsm.NewOrderStateMachine()

// Participant names the saga participant whose outcome is recorded on an order.
type Participant string

const (
	ParticipantInventory Participant = "inventory"
	ParticipantPayment   Participant = "payment"
)

// Order represents a purchase order and its saga progress.
type Order struct {
	ID              uuid.UUID
	UserID          int64
	ProductID       int64
	Amount          int64
	Status          string
	InventoryStatus sql.NullString
	PaymentStatus   sql.NullString
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = `id, user_id, product_id, amount, status, inventory_status, payment_status, created_at, updated_at`

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.Amount, &o.Status,
		&o.InventoryStatus, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder inserts a CREATED order. The hooks run inside the same transaction,
// so whatever starts the saga (an outbox event, a saga instance) commits atomically
// with the order itself.
func (db *DB) CreateOrder(ctx context.Context, o *Order, hooks ...func(*Tx) error) error {
	return db.InTx(ctx, func(tx *Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		for _, hook := range hooks {
			if err := hook(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertOrder writes a new order in CREATED status.
func (tx *Tx) InsertOrder(ctx context.Context, o *Order) error {
	now := time.Now().UTC()
	o.Status = fsm.OrderStateCreated
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, user_id, product_id, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.UserID, o.ProductID, o.Amount, o.Status, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}
	return nil
}

// GetOrder returns an order by ID.
func (db *DB) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return o, nil
}

// GetOrder returns an order by ID within the transaction.
func (tx *Tx) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return o, nil
}

// ListOrders returns all orders, oldest first.
func (db *DB) ListOrders(ctx context.Context) ([]Order, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating orders: %w", err)
	}
	return orders, nil
}

// TransitionOrder applies an order FSM event and returns the new status. The
// write is conditional on the status read, so a concurrent transition surfaces
// as ErrConcurrentUpdate instead of being overwritten.
func (tx *Tx) TransitionOrder(ctx context.Context, id uuid.UUID, event string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrOrderNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying order status: %w", err)
	}

	next, err := orderSM.Transition(ctx, status, event)
	if err != nil {
		return "", fmt.Errorf("%w: %s + %s (allowed: %s): %v", ErrInvalidStateTransition, status, event, allowedOrderEvents(status), err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, next, time.Now().UTC(), id, status)
	if err != nil {
		return "", fmt.Errorf("updating order status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return "", ErrConcurrentUpdate
	}
	return next, nil
}

// RecordParticipantStatus stores a participant outcome on the order. Only the
// first observation is kept; it returns false when an outcome was already recorded.
func (tx *Tx) RecordParticipantStatus(ctx context.Context, id uuid.UUID, participant Participant, status string) (bool, error) {
	var query string
	switch participant {
	case ParticipantInventory:
		query = `UPDATE orders SET inventory_status = ?, updated_at = ? WHERE id = ? AND inventory_status IS NULL`
	case ParticipantPayment:
		query = `UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ? AND payment_status IS NULL`
	default:
		return false, fmt.Errorf("unknown participant %q", participant)
	}

	result, err := tx.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("recording %s status: %w", participant, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

// CountOrdersByStatus returns order counts keyed by status.
func (db *DB) CountOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning order count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating order counts: %w", err)
	}
	return counts, nil
}

func allowedOrderEvents(status string) string {
	events := orderSM.AvailableEvents(status)
	if len(events) == 0 {
		return "none"
	}
	return strings.Join(events, ", ")
}
