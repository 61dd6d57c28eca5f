package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/fsm"
	"github.com/google/uuid"
)

// User transaction statuses.
const (
	TxStatusCharged  = "CHARGED"
	TxStatusRefunded = "REFUNDED"
	TxStatusVoided   = "VOIDED" // compensated before any debit happened
)

// UserTransaction records a debit against a user balance for one order.
type UserTransaction struct {
	OrderID   uuid.UUID
	UserID    int64
	Amount    int64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Charge is the outcome of DebitBalance.
type Charge struct {
	Completed bool
	Duplicate bool
	Reason    string
}

// Refund is the outcome of CreditBalance.
type Refund struct {
	Refunded bool
	Amount   int64
}

// SetBalance sets a user's available balance, creating the record if needed.
func (db *DB) SetBalance(ctx context.Context, userID, balance int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = CURRENT_TIMESTAMP
	`, userID, balance)
	if err != nil {
		return fmt.Errorf("setting balance: %w", err)
	}
	return nil
}

// GetBalance returns a user's available balance.
func (db *DB) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, `SELECT balance FROM user_balances WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// GetTransaction returns the transaction recorded for an order, or nil if none.
func (db *DB) GetTransaction(ctx context.Context, orderID uuid.UUID) (*UserTransaction, error) {
	var t UserTransaction
	err := db.QueryRowContext(ctx, `
		SELECT order_id, user_id, amount, status, created_at, updated_at
		FROM user_transactions WHERE order_id = ?
	`, orderID).Scan(&t.OrderID, &t.UserID, &t.Amount, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying transaction: %w", err)
	}
	return &t, nil
}

func (tx *Tx) transaction(ctx context.Context, orderID uuid.UUID) (*UserTransaction, string, error) {
	var t UserTransaction
	err := tx.QueryRowContext(ctx, `
		SELECT order_id, user_id, amount, status FROM user_transactions WHERE order_id = ?
	`, orderID).Scan(&t.OrderID, &t.UserID, &t.Amount, &t.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fsm.ReservationStateNone, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("querying transaction: %w", err)
	}
	if t.Status == TxStatusCharged {
		return &t, fsm.ReservationStateHeld, nil
	}
	return &t, fsm.ReservationStateReleased, nil
}

// DebitBalance charges amount to the user for the order: the balance decrement
// and the CHARGED transaction commit together. A repeated call for the same order
// reports the earlier charge; a call after compensation is refused.
func (db *DB) DebitBalance(ctx context.Context, orderID uuid.UUID, userID, amount int64) (Charge, error) {
	if amount <= 0 {
		return Charge{}, fmt.Errorf("%w: debit of %d", ErrInvalidAmount, amount)
	}
	var out Charge
	err := db.InTx(ctx, func(tx *Tx) error {
		_, state, err := tx.transaction(ctx, orderID)
		if err != nil {
			return err
		}
		if state == fsm.ReservationStateHeld {
			out = Charge{Completed: true, Duplicate: true}
			return nil
		}
		if !reservationSM.CanHold(state) {
			out = Charge{Reason: ReasonAlreadyCompensated}
			return nil
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE user_balances
			SET balance = balance - ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ? AND balance >= ?
		`, amount, userID, amount)
		if err != nil {
			return fmt.Errorf("debiting balance: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rows == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM user_balances WHERE user_id = ?)`, userID).Scan(&exists); err != nil {
				return fmt.Errorf("checking user: %w", err)
			}
			out = Charge{Reason: ReasonInsufficientBalance}
			if !exists {
				out.Reason = ReasonUserNotFound
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_transactions (order_id, user_id, amount, status) VALUES (?, ?, ?, ?)
		`, orderID, userID, amount, TxStatusCharged)
		if err != nil {
			return fmt.Errorf("recording transaction: %w", err)
		}

		out = Charge{Completed: true}
		return nil
	})
	if err != nil {
		return Charge{}, err
	}
	return out, nil
}

// CreditBalance compensates a charge: the original transaction amount goes back
// to the user and the transaction is marked REFUNDED. With no prior charge a
// VOIDED marker is written instead, so a late debit for the order is refused.
func (db *DB) CreditBalance(ctx context.Context, orderID uuid.UUID, userID int64) (Refund, error) {
	var out Refund
	err := db.InTx(ctx, func(tx *Tx) error {
		t, state, err := tx.transaction(ctx, orderID)
		if err != nil {
			return err
		}
		if !reservationSM.CanRelease(state) {
			return nil
		}

		if state == fsm.ReservationStateNone {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO user_transactions (order_id, user_id, amount, status) VALUES (?, ?, 0, ?)
			`, orderID, userID, TxStatusVoided)
			if err != nil {
				return fmt.Errorf("recording void: %w", err)
			}
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE user_balances
			SET balance = balance + ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ?
		`, t.Amount, t.UserID)
		if err != nil {
			return fmt.Errorf("crediting balance: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE user_transactions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE order_id = ?
		`, TxStatusRefunded, orderID)
		if err != nil {
			return fmt.Errorf("marking refund: %w", err)
		}

		out = Refund{Refunded: true, Amount: t.Amount}
		return nil
	})
	if err != nil {
		return Refund{}, err
	}
	return out, nil
}
