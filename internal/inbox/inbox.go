// Package inbox records which events each consumer has already processed.
package inbox

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtall-systems/ordersaga/internal/db"
	"github.com/redis/go-redis/v9"
)

// Inbox deduplicates redelivered events per consumer.
type Inbox interface {
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	Mark(ctx context.Context, consumer, eventID string) error
}

// SQLite keeps processed event ids in the processed_events table.
type SQLite struct {
	db *db.DB
}

func NewSQLite(database *db.DB) *SQLite {
	return &SQLite{db: database}
}

func (s *SQLite) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	return s.db.Seen(ctx, consumer, eventID)
}

func (s *SQLite) Mark(ctx context.Context, consumer, eventID string) error {
	_, err := s.db.MarkProcessed(ctx, consumer, eventID)
	return err
}

// Redis keeps processed event ids as expiring keys.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis inbox. Keys expire after ttl; it should exceed the
// longest redelivery window of the bus.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(consumer, eventID string) string {
	return fmt.Sprintf("%s:inbox:%s:%s", r.prefix, consumer, eventID)
}

func (r *Redis) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking inbox key: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Mark(ctx context.Context, consumer, eventID string) error {
	if err := r.client.SetNX(ctx, r.key(consumer, eventID), 1, r.ttl).Err(); err != nil {
		return fmt.Errorf("setting inbox key: %w", err)
	}
	return nil
}
