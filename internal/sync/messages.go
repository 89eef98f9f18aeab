package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// thread is one conversation's message buffer, sorted by creation time.
type thread struct {
	msgs []model.Message

	// exhausted is set when paging backwards returned nothing new.
	exhausted bool
}

func (t *thread) index(id string) int {
	return slices.IndexFunc(t.msgs, func(m model.Message) bool { return m.ID == id })
}

// insert adds m, or replaces the message with the same id, keeping order.
func (t *thread) insert(m model.Message) (added bool) {
	if i := t.index(m.ID); i >= 0 {
		t.msgs[i] = m
	} else {
		t.msgs = append(t.msgs, m)
		added = true
	}
	model.SortMessages(t.msgs)
	return added
}

// mergeAbsent adds the messages not yet buffered and returns them.
func (t *thread) mergeAbsent(msgs []model.Message) []model.Message {
	var added []model.Message
	for _, m := range msgs {
		if t.index(m.ID) >= 0 {
			continue
		}
		t.msgs = append(t.msgs, m)
		added = append(added, m)
	}
	if len(added) > 0 {
		model.SortMessages(t.msgs)
	}
	return added
}

type msgState struct {
	threads map[string]*thread
}

func newMsgState() *msgState {
	return &msgState{threads: make(map[string]*thread)}
}

func (s *msgState) thread(conversationID string) *thread {
	t, ok := s.threads[conversationID]
	if !ok {
		t = &thread{}
		s.threads[conversationID] = t
	}
	return t
}

// ReadMark is a read receipt pushed by the service: UserID read the
// conversation up to MessageID.
type ReadMark struct {
	ConversationID string
	MessageID      string
	UserID         string
	ReadAt         time.Time
}

func decodeReadMark(r gjson.Result) ReadMark {
	mark := ReadMark{
		ConversationID: r.Get("roomId").String(),
		MessageID:      r.Get("msgId").String(),
		UserID:         r.Get("userId").String(),
		ReadAt:         model.ParseTime(r.Get("readAt").String()),
	}
	if mark.ConversationID == "" {
		mark.ConversationID = r.Get("conversationId").String()
	}
	if mark.MessageID == "" {
		mark.MessageID = r.Get("messageId").String()
	}
	return mark
}

// Fetch loads one page of history around pivotID and reports whether any
// message was new to the buffer. When the service is unreachable the page
// is read from the store instead and the remote error is returned with it.
func (c *Coordinator) Fetch(ctx context.Context, conversationID, pivotID string, dir remote.Direction) (bool, error) {
	if conversationID == "" {
		return false, fmt.Errorf("%w: empty conversation id", errs.ErrInvalidConversation)
	}
	if dir == "" {
		dir = remote.Older
	}
	if dir == remote.Older && !c.HasMoreHistory(conversationID) {
		return false, nil
	}

	page, err := c.remote.ListMessages(ctx, conversationID, remote.MessageQuery{
		PivotID:   pivotID,
		Limit:     c.pageSize,
		Direction: dir,
	})
	if err != nil {
		return c.fetchFallback(ctx, conversationID, pivotID, dir, err)
	}

	var added []model.Message
	if aerr := c.msgs.do(func(s *msgState) {
		c.mirror("messages", conversationID, c.db.UpsertMessages(ctx, page))
		t := s.thread(conversationID)
		added = t.mergeAbsent(page)
		if dir == remote.Older && len(added) == 0 {
			t.exhausted = true
		}
	}); aerr != nil {
		return false, aerr
	}

	for _, m := range added {
		c.bus.Emit(bus.MessageUpserted, m.Clone())
	}
	if dir == remote.Newer && len(added) > 0 {
		newest := slices.MaxFunc(added, model.CompareMessages)
		c.mirror("read marker", conversationID, c.markers.SetReadMarker(ctx, conversationID, newest.ID))
	}
	return len(added) > 0, nil
}

func (c *Coordinator) fetchFallback(ctx context.Context, conversationID, pivotID string, dir remote.Direction, remoteErr error) (bool, error) {
	c.logger.Warn("fetching messages remotely failed, using cache",
		zap.String("conversation_id", conversationID),
		zap.Error(remoteErr))

	var before time.Time
	if dir == remote.Older && pivotID != "" {
		before = c.pivotTime(ctx, conversationID, pivotID)
	}
	page, err := c.db.ListMessages(ctx, conversationID, before, c.pageSize)
	if err != nil {
		return false, errors.Join(remoteErr, err)
	}

	var added []model.Message
	if aerr := c.msgs.do(func(s *msgState) {
		added = s.thread(conversationID).mergeAbsent(page)
	}); aerr != nil {
		return false, errors.Join(remoteErr, aerr)
	}
	for _, m := range added {
		c.bus.Emit(bus.MessageUpserted, m.Clone())
	}
	return len(added) > 0, remoteErr
}

// pivotTime finds the creation time of pivotID in the buffer or the store.
func (c *Coordinator) pivotTime(ctx context.Context, conversationID, pivotID string) time.Time {
	var at time.Time
	_ = c.msgs.do(func(s *msgState) {
		t := s.thread(conversationID)
		if i := t.index(pivotID); i >= 0 {
			at = t.msgs[i].CreatedAt
		}
	})
	if !at.IsZero() {
		return at
	}
	m, err := c.db.GetMessage(ctx, pivotID)
	if err != nil || m == nil {
		return time.Time{}
	}
	return m.CreatedAt
}

// HasMoreHistory reports whether paging backwards may still return
// messages for the conversation.
func (c *Coordinator) HasMoreHistory(conversationID string) bool {
	more := true
	_ = c.msgs.do(func(s *msgState) {
		if t, ok := s.threads[conversationID]; ok {
			more = !t.exhausted
		}
	})
	return more
}

// ApplyMessagePush merges a message pushed by the service. The last write
// wins; status is promoted to delivered unless the push says read or
// recalled.
func (c *Coordinator) ApplyMessagePush(ctx context.Context, m model.Message) error {
	if m.Status != model.StatusRead && m.Status != model.StatusRecalled {
		m.Status = model.StatusDelivered
	}
	var added bool
	err := c.msgs.do(func(s *msgState) {
		t := s.thread(m.ConversationID)
		if i := t.index(m.ID); i >= 0 {
			m.IsMine = m.IsMine || t.msgs[i].IsMine
		}
		added = t.insert(m)
		t.exhausted = false
		c.mirror("message", m.ID, c.db.UpsertMessage(ctx, m))
	})
	if err != nil {
		return err
	}
	c.bus.Emit(bus.MessageUpserted, m.Clone())
	c.touchConversation(ctx, m, added && !m.IsMine)
	return nil
}

// ApplyReadMark records a read receipt on the user's own messages up to
// the marked one.
func (c *Coordinator) ApplyReadMark(ctx context.Context, mark ReadMark) error {
	if mark.ReadAt.IsZero() {
		mark.ReadAt = c.now()
	}
	var changed []model.Message
	err := c.msgs.do(func(s *msgState) {
		t, ok := s.threads[mark.ConversationID]
		if !ok {
			return
		}
		limit := len(t.msgs) - 1
		if mark.MessageID != "" {
			limit = t.index(mark.MessageID)
		}
		for i := 0; i <= limit && i < len(t.msgs); i++ {
			m := &t.msgs[i]
			if !m.IsMine || m.Status == model.StatusRecalled || m.Status == model.StatusFailed {
				continue
			}
			if mark.UserID != "" && slices.ContainsFunc(m.ReadBy, func(r model.Receipt) bool { return r.UserID == mark.UserID }) {
				continue
			}
			if mark.UserID != "" {
				m.ReadBy = append(m.ReadBy, model.Receipt{UserID: mark.UserID, ReadAt: mark.ReadAt})
			}
			m.Status = model.StatusRead
			m.IsRead = true
			changed = append(changed, m.Clone())
		}
		c.mirror("messages", mark.ConversationID, c.db.UpsertMessages(ctx, changed))
	})
	if err != nil {
		return err
	}
	for _, m := range changed {
		c.bus.Emit(bus.MessageUpserted, m)
	}
	return nil
}

// Messages returns a snapshot of a conversation's buffer in creation
// order.
func (c *Coordinator) Messages(conversationID string) []model.Message {
	var out []model.Message
	_ = c.msgs.do(func(s *msgState) {
		t, ok := s.threads[conversationID]
		if !ok {
			return
		}
		out = make([]model.Message, len(t.msgs))
		for i, m := range t.msgs {
			out[i] = m.Clone()
		}
	})
	return out
}

// Search looks through every cached message body.
func (c *Coordinator) Search(ctx context.Context, q string, limit int) ([]model.Message, error) {
	return c.db.SearchMessages(ctx, q, limit)
}
