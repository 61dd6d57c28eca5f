package db

import (
	"context"
	"fmt"
)

// Seen reports whether the consumer has already processed the event.
func (db *DB) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	var seen bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM processed_events WHERE consumer = ? AND event_id = ?)
	`, consumer, eventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("checking processed event: %w", err)
	}
	return seen, nil
}

// MarkProcessed records that the consumer handled the event. It returns false if
// the event was already recorded.
func (db *DB) MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	_, err := db.ExecContext(ctx, `
		INSERT INTO processed_events (consumer, event_id) VALUES (?, ?)
	`, consumer, eventID)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}
	return true, nil
}
