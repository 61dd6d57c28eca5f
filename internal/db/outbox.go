package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/events"
)

// OutboxRecord is an event envelope waiting to be published.
type OutboxRecord struct {
	ID        int64
	EventID   string
	Topic     string
	Key       string
	Payload   []byte // marshaled events.Envelope
	CreatedAt time.Time
	SentAt    sql.NullTime
}

// EnqueueEvent wraps v in an envelope and stores it in the outbox as part of the
// transaction. The relay publishes it after commit.
func (tx *Tx) EnqueueEvent(ctx context.Context, topic, key string, v any) (*events.Envelope, error) {
	env, err := events.NewEnvelope(topic, key, v)
	if err != nil {
		return nil, err
	}
	env.InjectTrace(ctx)
	if err := tx.EnqueueEnvelope(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

// EnqueueEnvelope stores a prepared envelope in the outbox.
func (tx *Tx) EnqueueEnvelope(ctx context.Context, env *events.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (event_id, topic, key, payload, created_at) VALUES (?, ?, ?, ?, ?)
	`, env.EventID, env.Topic, env.Key, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueueing outbox event: %w", err)
	}
	return nil
}

// FetchPendingOutbox returns up to limit unsent records in insertion order.
func (db *DB) FetchPendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_id, topic, key, payload, created_at, sent_at
		FROM outbox
		WHERE sent_at IS NULL
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []OutboxRecord
	for rows.Next() {
		var r OutboxRecord
		if err := rows.Scan(&r.ID, &r.EventID, &r.Topic, &r.Key, &r.Payload, &r.CreatedAt, &r.SentAt); err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox: %w", err)
	}
	return records, nil
}

// MarkOutboxSent flags a record as published.
func (db *DB) MarkOutboxSent(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET sent_at = ? WHERE id = ? AND sent_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking outbox record sent: %w", err)
	}
	return nil
}

// PurgeSentOutbox deletes records published before the cutoff.
func (db *DB) PurgeSentOutbox(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM outbox WHERE sent_at IS NOT NULL AND sent_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging outbox: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
