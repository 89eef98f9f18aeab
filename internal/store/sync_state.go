package store

import (
	"context"
	"time"
)

// SetCheckpoint stores a sync_state value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	return db.Query().Table(syncStateTable).Key("key").Upsert(ctx, Row{
		"key":        key,
		"value":      value,
		"updated_at": time.Now(),
	})
}

// Checkpoint returns a sync_state value, or "" when unset.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	row, err := db.Query().Table(syncStateTable).Columns("value").Where("key", "=", key).GetOne(ctx)
	if err != nil || row == nil {
		return "", err
	}
	return row.String("value"), nil
}
