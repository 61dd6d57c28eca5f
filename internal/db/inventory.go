package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/google/uuid"
)

var reservationSM = fsm.NewReservationStateMachine()

// Rejection reasons reported when a reservation or debit does not happen.
const (
	ReasonInsufficientStock   = "insufficient stock"
	ReasonProductNotFound     = "product not found"
	ReasonInsufficientBalance = "insufficient balance"
	ReasonUserNotFound        = "user not found"
	ReasonAlreadyCompensated  = "already compensated"
)

// Reservation is the outcome of ReserveInventory.
type Reservation struct {
	Reserved  bool
	Duplicate bool   // an earlier delivery already reserved for this order
	Reason    string // set when Reserved is false
}

// Release is the outcome of ReleaseInventory.
type Release struct {
	Restored  bool
	ProductID int64
	Quantity  int
}

// SetStock sets the available quantity for a product, creating the record if needed.
func (db *DB) SetStock(ctx context.Context, productID int64, available int) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, available) VALUES (?, ?)
		ON CONFLICT(product_id) DO UPDATE SET
			available = excluded.available,
			updated_at = CURRENT_TIMESTAMP
	`, productID, available)
	if err != nil {
		return fmt.Errorf("setting stock: %w", err)
	}
	return nil
}

// GetStock returns the available quantity for a product.
func (db *DB) GetStock(ctx context.Context, productID int64) (int, error) {
	var available int
	err := db.QueryRowContext(ctx, `SELECT available FROM inventory WHERE product_id = ?`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying stock: %w", err)
	}
	return available, nil
}

// CountConsumptions returns the number of live consumption records.
func (db *DB) CountConsumptions(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inventory_consumption`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting consumptions: %w", err)
	}
	return n, nil
}

func (tx *Tx) consumptionState(ctx context.Context, orderID uuid.UUID) (string, error) {
	var held, released bool
	err := tx.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM inventory_consumption WHERE order_id = ?),
			EXISTS(SELECT 1 FROM inventory_releases WHERE order_id = ?)
	`, orderID, orderID).Scan(&held, &released)
	if err != nil {
		return "", fmt.Errorf("querying consumption state: %w", err)
	}
	switch {
	case held:
		return fsm.ReservationStateHeld, nil
	case released:
		return fsm.ReservationStateReleased, nil
	default:
		return fsm.ReservationStateNone, nil
	}
}

// ReserveInventory decrements stock for a product and records the consumption
// against the order, atomically. A second call for the same order reports the
// existing reservation without touching stock. No state changes on rejection.
func (db *DB) ReserveInventory(ctx context.Context, orderID uuid.UUID, productID int64, quantity int) (Reservation, error) {
	if quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: reservation of %d", ErrInvalidAmount, quantity)
	}
	var out Reservation
	err := db.InTx(ctx, func(tx *Tx) error {
		state, err := tx.consumptionState(ctx, orderID)
		if err != nil {
			return err
		}
		if state == fsm.ReservationStateHeld {
			out = Reservation{Reserved: true, Duplicate: true}
			return nil
		}
		if !reservationSM.CanHold(state) {
			out = Reservation{Reason: ReasonAlreadyCompensated}
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE inventory
			SET available = available - ?, updated_at = CURRENT_TIMESTAMP
			WHERE product_id = ? AND available > 0 AND available >= ?
		`, quantity, productID, quantity)
		if err != nil {
			return fmt.Errorf("reserving inventory: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rows == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM inventory WHERE product_id = ?)`, productID).Scan(&exists); err != nil {
				return fmt.Errorf("checking product: %w", err)
			}
			out = Reservation{Reason: ReasonInsufficientStock}
			if !exists {
				out.Reason = ReasonProductNotFound
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO inventory_consumption (order_id, product_id, quantity) VALUES (?, ?, ?)
		`, orderID, productID, quantity)
		if err != nil {
			return fmt.Errorf("recording consumption: %w", err)
		}

		out = Reservation{Reserved: true}
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// ReleaseInventory compensates a reservation: the consumed quantity goes back to
// the product and the consumption record is deleted. It always leaves a release
// marker for the order, so a reservation that arrives afterwards is refused.
// Releasing twice, or releasing an order that never reserved, restores nothing.
func (db *DB) ReleaseInventory(ctx context.Context, orderID uuid.UUID) (Release, error) {
	var out Release
	err := db.InTx(ctx, func(tx *Tx) error {
		state, err := tx.consumptionState(ctx, orderID)
		if err != nil {
			return err
		}
		if !reservationSM.CanRelease(state) {
			return nil
		}

		if state == fsm.ReservationStateHeld {
			err := tx.QueryRowContext(ctx, `
				SELECT product_id, quantity FROM inventory_consumption WHERE order_id = ?
			`, orderID).Scan(&out.ProductID, &out.Quantity)
			if err != nil {
				return fmt.Errorf("querying consumption: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE inventory
				SET available = available + ?, updated_at = CURRENT_TIMESTAMP
				WHERE product_id = ?
			`, out.Quantity, out.ProductID)
			if err != nil {
				return fmt.Errorf("restoring inventory: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_consumption WHERE order_id = ?`, orderID); err != nil {
				return fmt.Errorf("deleting consumption: %w", err)
			}
			out.Restored = true
		}

		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO inventory_releases (order_id) VALUES (?)`, orderID)
		if err != nil {
			return fmt.Errorf("recording release: %w", err)
		}
		return nil
	})
	if err != nil {
		return Release{}, err
	}
	return out, nil
}
