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

var sagaSM = fsm.NewSagaStateMachine()

// SagaInstance is the orchestrator's durable record of one order's saga.
type SagaInstance struct {
	OrderID          uuid.UUID
	Step             string
	InventoryOutcome sql.NullString
	PaymentOutcome   sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ArchivedAt       sql.NullTime
}

const sagaColumns = `order_id, step, inventory_outcome, payment_outcome, created_at, updated_at, archived_at`

func scanSaga(row rowScanner) (*SagaInstance, error) {
	var s SagaInstance
	err := row.Scan(&s.OrderID, &s.Step, &s.InventoryOutcome, &s.PaymentOutcome,
		&s.CreatedAt, &s.UpdatedAt, &s.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertSaga creates a saga instance in the STARTED step.
func (tx *Tx) InsertSaga(ctx context.Context, orderID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO saga_instances (order_id, step, created_at, updated_at) VALUES (?, ?, ?, ?)
	`, orderID, fsm.SagaStepStarted, now, now)
	if err != nil {
		return fmt.Errorf("creating saga instance: %w", err)
	}
	return nil
}

// GetSaga returns the saga instance for an order.
func (db *DB) GetSaga(ctx context.Context, orderID uuid.UUID) (*SagaInstance, error) {
	s, err := scanSaga(db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM saga_instances WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying saga instance: %w", err)
	}
	return s, nil
}

// ListActiveSagas returns saga instances that have not reached a terminal step.
func (db *DB) ListActiveSagas(ctx context.Context) ([]SagaInstance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+sagaColumns+` FROM saga_instances
		WHERE archived_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying active sagas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sagas []SagaInstance
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning saga instance: %w", err)
		}
		sagas = append(sagas, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sagas: %w", err)
	}
	return sagas, nil
}

// AdvanceSaga applies a saga event, records the participant outcome named by the
// event, and moves the order along when the step has an order-level meaning. The
// saga and order writes share one transaction. Terminal steps archive the saga.
func (db *DB) AdvanceSaga(ctx context.Context, orderID uuid.UUID, event, outcome string) (string, error) {
	var next string
	err := db.InTx(ctx, func(tx *Tx) error {
		var step string
		err := tx.QueryRowContext(ctx, `SELECT step FROM saga_instances WHERE order_id = ?`, orderID).Scan(&step)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSagaNotFound
		}
		if err != nil {
			return fmt.Errorf("querying saga step: %w", err)
		}

		next, err = sagaSM.Transition(ctx, step, event)
		if err != nil {
			return fmt.Errorf("%w: %s + %s: %v", ErrInvalidStateTransition, step, event, err)
		}

		var archivedAt sql.NullTime
		now := time.Now().UTC()
		if fsm.IsTerminalSagaStep(next) {
			archivedAt = sql.NullTime{Time: now, Valid: true}
		}

		query := `UPDATE saga_instances SET step = ?, updated_at = ?, archived_at = ? WHERE order_id = ? AND step = ?`
		args := []any{next, now, archivedAt, orderID, step}
		if col := outcomeColumn(event); col != "" && outcome != "" {
			query = `UPDATE saga_instances SET step = ?, updated_at = ?, archived_at = ?, ` + col + ` = ? WHERE order_id = ? AND step = ?`
			args = []any{next, now, archivedAt, outcome, orderID, step}
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("updating saga step: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rows == 0 {
			return ErrConcurrentUpdate
		}

		if orderEvent := fsm.OrderEventForSagaEvent(event); orderEvent != "" {
			if _, err := tx.TransitionOrder(ctx, orderID, orderEvent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func outcomeColumn(event string) string {
	switch {
	case strings.HasPrefix(event, "inventory_"):
		return "inventory_outcome"
	case strings.HasPrefix(event, "payment_"):
		return "payment_outcome"
	default:
		return ""
	}
}
