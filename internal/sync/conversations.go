package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/bus"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// minGroupMembers is the smallest group the service accepts.
const minGroupMembers = 3

// Criteria selects a conversation list.
type Criteria struct {
	Kind   model.ConversationKind
	Query  string
	Limit  int
	Offset int
}

func (cr Criteria) matches(c model.Conversation) bool {
	if !cr.Kind.Matches(c.Kind) {
		return false
	}
	return cr.Query == "" || strings.Contains(strings.ToLower(c.DisplayName), strings.ToLower(cr.Query))
}

// ConversationPatch changes local conversation flags. Nil fields are left
// alone.
type ConversationPatch struct {
	Pinned      *bool
	Muted       *bool
	UnreadCount *int
}

type convState struct {
	byID  map[string]model.Conversation
	lists map[Criteria][]string
}

func newConvState() *convState {
	return &convState{
		byID:  make(map[string]model.Conversation),
		lists: make(map[Criteria][]string),
	}
}

func (s *convState) list(cr Criteria) []model.Conversation {
	ids := s.lists[cr]
	out := make([]model.Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.byID[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out
}

// put stores c and prepends it to every matching list that lacks it.
func (s *convState) put(c model.Conversation) {
	s.byID[c.ID] = c
	for cr, ids := range s.lists {
		if slices.Contains(ids, c.ID) || !cr.matches(c) {
			continue
		}
		s.lists[cr] = append([]string{c.ID}, ids...)
	}
}

func (s *convState) remove(id string) {
	delete(s.byID, id)
	for cr, ids := range s.lists {
		s.lists[cr] = slices.DeleteFunc(ids, func(v string) bool { return v == id })
	}
}

// List returns the conversations matching cr. The remote service is asked
// first; when it fails the cached rows are returned together with the
// remote error.
func (c *Coordinator) List(ctx context.Context, cr Criteria) ([]model.Conversation, error) {
	rooms, err := c.remote.ListRooms(ctx, remote.RoomQuery{
		Query:  cr.Query,
		Kind:   cr.Kind,
		Limit:  cr.Limit,
		Offset: cr.Offset,
	})
	if err != nil {
		return c.listFallback(ctx, cr, err)
	}

	var out []model.Conversation
	aerr := c.convs.do(func(s *convState) {
		ids := make([]string, 0, len(rooms))
		for _, room := range rooms {
			s.byID[room.ID] = room
			ids = append(ids, room.ID)
		}
		s.lists[cr] = ids
		c.mirror("conversations", "", c.db.UpsertConversations(ctx, rooms))
		out = s.list(cr)
	})
	if aerr != nil {
		return nil, aerr
	}
	return out, nil
}

func (c *Coordinator) listFallback(ctx context.Context, cr Criteria, remoteErr error) ([]model.Conversation, error) {
	c.logger.Warn("listing conversations remotely failed, using cache", zap.Error(remoteErr))
	rows, err := c.db.ListConversations(ctx, store.ConversationFilter{
		Kind:   cr.Kind,
		Query:  cr.Query,
		Limit:  cr.Limit,
		Offset: cr.Offset,
	})
	if err != nil {
		return nil, errors.Join(remoteErr, err)
	}

	aerr := c.convs.do(func(s *convState) {
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			if cached, ok := s.byID[row.ID]; !ok || cached.UpdatedAt.Before(row.UpdatedAt) {
				s.byID[row.ID] = row
			}
			ids = append(ids, row.ID)
		}
		s.lists[cr] = ids
	})
	if aerr != nil {
		return nil, errors.Join(remoteErr, aerr)
	}
	return rows, remoteErr
}

// ApplyConversationPush merges a pushed conversation. Pushes older than
// the cached copy are dropped; it reports whether conv was applied.
func (c *Coordinator) ApplyConversationPush(ctx context.Context, conv model.Conversation) (bool, error) {
	conv.Normalize()
	applied := false
	err := c.convs.do(func(s *convState) {
		if cached, ok := s.byID[conv.ID]; ok && conv.Stale(cached) {
			c.logger.Debug("dropping stale conversation push",
				zap.String("conversation_id", conv.ID),
				zap.Time("pushed", conv.UpdatedAt),
				zap.Time("cached", cached.UpdatedAt))
			return
		}
		s.put(conv)
		c.mirror("conversation", conv.ID, c.db.UpsertConversation(ctx, conv))
		applied = true
	})
	if err != nil {
		return false, err
	}
	if applied {
		c.bus.Emit(bus.ConversationUpserted, conv.Clone())
	}
	return applied, nil
}

// Create creates a conversation remotely and adds it to the local view.
func (c *Coordinator) Create(ctx context.Context, name string, memberIDs []string, kind model.ConversationKind) (model.Conversation, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return model.Conversation{}, fmt.Errorf("%w: name is required", errs.ErrInvalidConversation)
	case !kind.Valid():
		return model.Conversation{}, fmt.Errorf("%w: unknown kind %q", errs.ErrInvalidConversation, kind)
	case kind == model.KindGroup && len(memberIDs) < minGroupMembers:
		return model.Conversation{}, fmt.Errorf("%w: a group needs at least %d members", errs.ErrInvalidConversation, minGroupMembers)
	}

	conv, err := c.remote.CreateRoom(ctx, name, kind, memberIDs)
	if err != nil {
		return model.Conversation{}, err
	}
	conv.Normalize()
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = c.now()
		conv.CreatedAt = conv.UpdatedAt
	}

	if err := c.convs.do(func(s *convState) {
		s.put(conv)
		c.mirror("conversation", conv.ID, c.db.UpsertConversation(ctx, conv))
	}); err != nil {
		return model.Conversation{}, err
	}
	c.bus.Emit(bus.ConversationUpserted, conv.Clone())
	return conv, nil
}

// Update applies local flag changes to a cached conversation.
func (c *Coordinator) Update(ctx context.Context, id string, patch ConversationPatch) (model.Conversation, error) {
	return c.mutateConversation(ctx, id, func(conv *model.Conversation) {
		if patch.Pinned != nil {
			conv.Pinned = *patch.Pinned
		}
		if patch.Muted != nil {
			conv.Muted = *patch.Muted
		}
		if patch.UnreadCount != nil {
			conv.UnreadCount = max(*patch.UnreadCount, 0)
			conv.IsRead = conv.UnreadCount == 0
		}
	})
}

// MarkRead clears the unread count and records messageID as the read
// marker.
func (c *Coordinator) MarkRead(ctx context.Context, id, messageID string) (model.Conversation, error) {
	conv, err := c.mutateConversation(ctx, id, func(conv *model.Conversation) {
		conv.UnreadCount = 0
		conv.IsRead = true
		if messageID != "" {
			conv.LastReadID = messageID
		}
	})
	if err != nil {
		return conv, err
	}
	if messageID != "" {
		c.mirror("read marker", id, c.markers.SetReadMarker(ctx, id, messageID))
	}
	return conv, nil
}

func (c *Coordinator) mutateConversation(ctx context.Context, id string, fn func(*model.Conversation)) (model.Conversation, error) {
	var (
		out   model.Conversation
		found bool
	)
	err := c.convs.do(func(s *convState) {
		conv, ok := s.byID[id]
		if !ok {
			return
		}
		found = true
		fn(&conv)
		s.byID[id] = conv
		c.mirror("conversation", id, c.db.UpsertConversation(ctx, conv))
		out = conv.Clone()
	})
	if err != nil {
		return out, err
	}
	if !found {
		return out, fmt.Errorf("%w: %s not found", errs.ErrInvalidConversation, id)
	}
	c.bus.Emit(bus.ConversationUpserted, out)
	return out, nil
}

// Remove drops a conversation and its messages locally.
func (c *Coordinator) Remove(ctx context.Context, id string) error {
	if err := c.convs.do(func(s *convState) {
		s.remove(id)
		c.mirror("conversation", id, c.db.DeleteConversation(ctx, id))
	}); err != nil {
		return err
	}
	if err := c.msgs.do(func(s *msgState) { delete(s.threads, id) }); err != nil {
		return err
	}
	c.bus.Emit(bus.ConversationRemoved, id)
	return nil
}

// Clear empties every conversation and message, in memory and in the
// store.
func (c *Coordinator) Clear(ctx context.Context) error {
	var serr error
	if err := c.convs.do(func(s *convState) {
		*s = *newConvState()
		serr = c.db.ClearConversations(ctx)
	}); err != nil {
		return err
	}
	if err := c.msgs.do(func(s *msgState) { *s = *newMsgState() }); err != nil {
		return err
	}
	if serr != nil {
		return fmt.Errorf("clearing store: %w", serr)
	}
	return nil
}

// Get returns the cached conversation with id.
func (c *Coordinator) Get(id string) (model.Conversation, bool) {
	var (
		out model.Conversation
		ok  bool
	)
	_ = c.convs.do(func(s *convState) {
		var conv model.Conversation
		conv, ok = s.byID[id]
		out = conv.Clone()
	})
	return out, ok
}

// Snapshot returns the last list loaded for cr, including pushes merged
// since.
func (c *Coordinator) Snapshot(cr Criteria) []model.Conversation {
	var out []model.Conversation
	_ = c.convs.do(func(s *convState) { out = s.list(cr) })
	return out
}

// touchConversation updates a cached conversation's preview after a new
// message. Unknown conversations are ignored until the next list.
func (c *Coordinator) touchConversation(ctx context.Context, m model.Message, countUnread bool) {
	var (
		out     model.Conversation
		changed bool
	)
	_ = c.convs.do(func(s *convState) {
		conv, ok := s.byID[m.ConversationID]
		if !ok {
			return
		}
		if conv.LastMessage != nil && m.CreatedAt.Before(conv.LastMessage.CreatedAt) {
			return
		}
		conv.LastMessage = &model.LastMessageSummary{
			ID:         m.ID,
			Text:       m.Body,
			CreatedAt:  m.CreatedAt,
			SenderID:   m.Sender.ID,
			SenderName: m.Sender.DisplayName,
		}
		if m.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = m.CreatedAt
		}
		if countUnread {
			conv.UnreadCount++
			conv.IsRead = false
		}
		s.byID[conv.ID] = conv
		c.mirror("conversation", conv.ID, c.db.UpsertConversation(ctx, conv))
		out, changed = conv.Clone(), true
	})
	if changed {
		c.bus.Emit(bus.ConversationUpserted, out)
	}
}
