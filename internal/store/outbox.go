package store

import (
	"context"
	"encoding/json"
	"time"
)

// QueueOutbox adds an emit to the outbox, replacing an earlier entry for
// the same message.
func (db *DB) QueueOutbox(ctx context.Context, e OutboxEntry) error {
	now := time.Now()
	return db.Query().Table(outboxTable).Upsert(ctx, Row{
		"id":              e.ID,
		"conversation_id": e.ConversationID,
		"event":           e.Event,
		"payload":         string(e.Payload),
		"status":          "queued",
		"error_message":   "",
		"created_at":      now,
		"updated_at":      now,
	})
}

// MarkOutboxSending updates an outbox entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(ctx context.Context, id string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		row, err := tx.Query().Table(outboxTable).Columns("attempts").Where("id", "=", id).GetOne(ctx)
		if err != nil || row == nil {
			return err
		}
		_, err = tx.Query().Table(outboxTable).Where("id", "=", id).Update(ctx, Row{
			"status":     "sending",
			"attempts":   row.Int("attempts") + 1,
			"updated_at": time.Now(),
		})
		return err
	})
}

// MarkOutboxSent updates an outbox entry to 'sent'.
func (db *DB) MarkOutboxSent(ctx context.Context, id string) error {
	_, err := db.Query().Table(outboxTable).Where("id", "=", id).Update(ctx, Row{
		"status":     "sent",
		"updated_at": time.Now(),
	})
	return err
}

// RequeueOutbox puts an entry back in the queue without losing its place
// or its attempt count.
func (db *DB) RequeueOutbox(ctx context.Context, id string) error {
	_, err := db.Query().Table(outboxTable).Where("id", "=", id).Update(ctx, Row{
		"status":     "queued",
		"updated_at": time.Now(),
	})
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, id, errMsg string) error {
	_, err := db.Query().Table(outboxTable).Where("id", "=", id).Update(ctx, Row{
		"status":        "failed",
		"error_message": errMsg,
		"updated_at":    time.Now(),
	})
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.Query().Table(outboxTable).
		Where("status", "=", "queued").
		OrderBy("created_at", "ASC").
		Get(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]OutboxEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, OutboxEntry{
			ID:             r.String("id"),
			ConversationID: r.String("conversation_id"),
			Event:          r.String("event"),
			Payload:        json.RawMessage(r.String("payload")),
			Status:         r.String("status"),
			Attempts:       r.Int("attempts"),
			ErrorMessage:   r.String("error_message"),
			CreatedAt:      r.Time("created_at"),
			UpdatedAt:      r.Time("updated_at"),
		})
	}
	return entries, nil
}
