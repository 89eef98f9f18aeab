package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

func conversationRow(c model.Conversation) Row {
	members := c.Members
	if members == nil {
		members = []model.MemberRef{}
	}
	return Row{
		"id":           c.ID,
		"remote_id":    c.RemoteID,
		"kind":         c.Kind,
		"display_name": c.DisplayName,
		"avatar_ref":   c.AvatarRef,
		"members":      members,
		"last_message": c.LastMessage,
		"unread_count": max(c.UnreadCount, 0),
		"is_read":      c.IsRead,
		"pinned":       c.Pinned,
		"muted":        c.Muted,
		"last_read_id": c.LastReadID,
		"updated_at":   c.UpdatedAt,
		"created_at":   c.CreatedAt,
	}
}

func scanConversation(r Row) (model.Conversation, error) {
	c := model.Conversation{
		ID:          r.String("id"),
		RemoteID:    r.String("remote_id"),
		Kind:        model.ConversationKind(r.String("kind")),
		DisplayName: r.String("display_name"),
		AvatarRef:   r.String("avatar_ref"),
		UnreadCount: r.Int("unread_count"),
		IsRead:      r.Bool("is_read"),
		Pinned:      r.Bool("pinned"),
		Muted:       r.Bool("muted"),
		LastReadID:  r.String("last_read_id"),
		UpdatedAt:   r.Time("updated_at"),
		CreatedAt:   r.Time("created_at"),
	}
	if err := r.JSON("members", &c.Members); err != nil {
		return c, err
	}
	if err := r.JSON("last_message", &c.LastMessage); err != nil {
		return c, err
	}
	return c, nil
}

// UpsertConversation inserts or replaces a conversation (idempotent on id).
func (db *DB) UpsertConversation(ctx context.Context, c model.Conversation) error {
	if err := db.Query().Table(conversationsTable).Upsert(ctx, conversationRow(c)); err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
	}
	return nil
}

// UpsertConversations writes a batch of conversations in one transaction.
func (db *DB) UpsertConversations(ctx context.Context, cs []model.Conversation) error {
	if len(cs) == 0 {
		return nil
	}
	return db.InTx(ctx, func(tx *Tx) error {
		b := tx.Query()
		for _, c := range cs {
			if err := b.Table(conversationsTable).Upsert(ctx, conversationRow(c)); err != nil {
				return fmt.Errorf("upsert conversation %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// GetConversation returns a cached conversation, or nil if absent.
func (db *DB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row, err := db.Query().Table(conversationsTable).Where("id", "=", id).GetOne(ctx)
	if err != nil || row == nil {
		return nil, err
	}
	c, err := scanConversation(row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns cached conversations, most recently updated
// first.
func (db *DB) ListConversations(ctx context.Context, f ConversationFilter) ([]model.Conversation, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	b := db.Query().Table(conversationsTable)
	if f.Kind != "" && f.Kind != model.KindAll {
		b.Where("kind", "=", f.Kind)
	}
	if f.Query != "" {
		b.Where("display_name", "LIKE", Contains(f.Query))
	}
	rows, err := b.OrderBy("updated_at", "DESC").
		OrderBy("id", "ASC").
		Limit(f.Limit).
		Offset(f.Offset).
		Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]model.Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := scanConversation(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteConversation removes a conversation and its cached messages.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	return db.InTx(ctx, func(tx *Tx) error {
		b := tx.Query()
		if _, err := b.Table(messagesTable).Where("conversation_id", "=", id).Delete(ctx); err != nil {
			return err
		}
		_, err := b.Table(conversationsTable).Where("id", "=", id).Delete(ctx)
		return err
	})
}

// ClearConversations removes every cached conversation and message.
func (db *DB) ClearConversations(ctx context.Context) error {
	return db.InTx(ctx, func(tx *Tx) error {
		b := tx.Query()
		if _, err := b.Table(messagesTable).AllRows().Delete(ctx); err != nil {
			return err
		}
		_, err := b.Table(conversationsTable).AllRows().Delete(ctx)
		return err
	})
}
