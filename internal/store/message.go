package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

func messageRow(m model.Message) Row {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []model.Attachment{}
	}
	return Row{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"kind":            m.Kind,
		"body":            m.Body,
		"created_at":      m.CreatedAt,
		"edited_at":       m.EditedAt,
		"sender":          m.Sender,
		"attachments":     attachments,
		"reactions":       m.Reactions,
		"reply":           m.Reply,
		"read_by":         m.ReadBy,
		"pinned":          m.Pinned,
		"status":          m.Status,
		"is_mine":         m.IsMine,
		"is_read":         m.IsRead,
	}
}

func scanMessage(r Row) (model.Message, error) {
	m := model.Message{
		ID:             r.String("id"),
		ConversationID: r.String("conversation_id"),
		Kind:           model.MessageKind(r.String("kind")),
		Body:           r.String("body"),
		CreatedAt:      r.Time("created_at"),
		EditedAt:       r.Time("edited_at"),
		Pinned:         r.Bool("pinned"),
		Status:         model.MessageStatus(r.String("status")),
		IsMine:         r.Bool("is_mine"),
		IsRead:         r.Bool("is_read"),
	}
	for col, dst := range map[string]any{
		"sender":      &m.Sender,
		"attachments": &m.Attachments,
		"reactions":   &m.Reactions,
		"reply":       &m.Reply,
		"read_by":     &m.ReadBy,
	} {
		if err := r.JSON(col, dst); err != nil {
			return m, err
		}
	}
	return m, nil
}

func scanMessages(rows []Row) ([]model.Message, error) {
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := scanMessage(r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpsertMessage inserts or replaces a message (idempotent on id).
func (db *DB) UpsertMessage(ctx context.Context, m model.Message) error {
	if err := db.Query().Table(messagesTable).Upsert(ctx, messageRow(m)); err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// UpsertMessages writes a batch of messages in one transaction.
func (db *DB) UpsertMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return db.InTx(ctx, func(tx *Tx) error {
		b := tx.Query()
		for _, m := range msgs {
			if err := b.Table(messagesTable).Upsert(ctx, messageRow(m)); err != nil {
				return fmt.Errorf("upsert message %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// GetMessage returns a cached message, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row, err := db.Query().Table(messagesTable).Where("id", "=", id).GetOne(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	m, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns up to limit messages of a conversation created
// before the given time (or the newest when before is zero), in ascending
// creation order.
func (db *DB) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	b := db.Query().Table(messagesTable).Where("conversation_id", "=", conversationID)
	if !before.IsZero() {
		b.Where("created_at", "<", before)
	}
	rows, err := b.OrderBy("created_at", "DESC").OrderBy("id", "DESC").Limit(limit).Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// SearchMessages returns messages whose body contains q, newest first.
func (db *DB) SearchMessages(ctx context.Context, q string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := db.Query().Table(messagesTable).
		Where("body", "LIKE", Contains(q)).
		WhereNotIn("status", model.StatusRecalled).
		OrderBy("created_at", "DESC").
		Limit(limit).
		Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return scanMessages(rows)
}

// DeleteMessage removes a cached message.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.Query().Table(messagesTable).Where("id", "=", id).Delete(ctx)
	return err
}
