package db

import (
	"context"
	"fmt"
	"time"
)

// DeadLetter is a delivery that could not be processed.
type DeadLetter struct {
	ID        int64
	Consumer  string
	Topic     string
	Key       string
	EventID   string
	Payload   []byte
	Error     string
	Attempts  int
	CreatedAt time.Time
}

// RecordDeadLetter stores a failed delivery for inspection.
func (db *DB) RecordDeadLetter(ctx context.Context, dl DeadLetter) error {
	if dl.Payload == nil {
		dl.Payload = []byte{}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO dead_letters (consumer, topic, key, event_id, payload, error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, dl.Consumer, dl.Topic, dl.Key, dl.EventID, dl.Payload, dl.Error, dl.Attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters first.
func (db *DB) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, consumer, topic, key, event_id, payload, error, attempts, created_at
		FROM dead_letters
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Consumer, &dl.Topic, &dl.Key, &dl.EventID,
			&dl.Payload, &dl.Error, &dl.Attempts, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letters: %w", err)
	}
	return out, nil
}
