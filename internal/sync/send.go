package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/upload"
	"go.uber.org/zap"
)

// SendRequest is a message composed by the user.
type SendRequest struct {
	ConversationID string
	Kind           model.MessageKind
	Body           string
	ReplyTo        string
	Attachments    []model.Attachment
	Sender         model.Sender
}

// UploadProgress is published while an attachment uploads.
type UploadProgress struct {
	ConversationID string
	MessageID      string
	AttachmentID   string
	Progress       int
}

// SendFailure is published when a message could not be sent.
type SendFailure struct {
	Message model.Message
	Err     string
}

// sendPayload is the message:send wire body.
type sendPayload struct {
	ConversationID string            `json:"conversationId"`
	Type           model.MessageKind `json:"type"`
	Content        string            `json:"content"`
	ReplyTo        string            `json:"replyTo,omitempty"`
	ID             string            `json:"id"`
	Attachments    []wireAttachment  `json:"attachments,omitempty"`
}

type wireAttachment struct {
	ID       string `json:"_id"`
	URL      string `json:"url"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type recallPayload struct {
	ConversationID string `json:"conversationId"`
	ID             string `json:"id"`
}

func newSendPayload(m model.Message) sendPayload {
	p := sendPayload{
		ConversationID: m.ConversationID,
		Type:           m.Kind,
		Content:        m.Body,
		ID:             m.ID,
	}
	if m.Reply != nil {
		p.ReplyTo = m.Reply.ID
	}
	for _, a := range m.Attachments {
		p.Attachments = append(p.Attachments, wireAttachment{
			ID:       a.ID,
			URL:      a.RemoteURL,
			Kind:     a.Kind,
			Name:     a.Name,
			Size:     a.SizeBytes,
			MimeType: a.MimeType,
		})
	}
	return p
}

// Send appends the message to its conversation at once, uploads any
// attachments and emits it. The returned message carries the final status;
// its id never changes.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	if req.ConversationID == "" {
		return model.Message{}, fmt.Errorf("%w: empty conversation id", errs.ErrInvalidConversation)
	}

	m := model.Message{
		ID:             c.newID(),
		ConversationID: req.ConversationID,
		Kind:           req.Kind,
		Body:           req.Body,
		CreatedAt:      c.now(),
		Sender:         req.Sender,
		Status:         model.StatusPending,
		IsMine:         true,
		IsRead:         true,
	}
	for _, a := range req.Attachments {
		if a.ID == "" {
			a.ID = c.newID()
		}
		a.Status = model.AttachmentPending
		a.UploadProgress = 0
		m.Attachments = append(m.Attachments, a)
	}
	if len(m.Attachments) > 0 {
		m.Status = model.StatusUploading
	}
	if m.Kind == "" {
		m.Kind = model.MessageText
		if len(m.Attachments) > 0 {
			m.Kind = model.MessageKind(model.KindForMIME(m.Attachments[0].MimeType))
		}
	}

	if err := c.msgs.do(func(s *msgState) {
		t := s.thread(m.ConversationID)
		if req.ReplyTo != "" {
			m.Reply = replyRef(t, req.ReplyTo)
		}
		t.insert(m)
		c.mirror("message", m.ID, c.db.UpsertMessage(ctx, m))
	}); err != nil {
		return model.Message{}, err
	}
	c.bus.Emit(bus.MessageUpserted, m.Clone())
	c.touchConversation(ctx, m, false)

	return c.deliver(ctx, m)
}

func replyRef(t *thread, id string) *model.ReplyRef {
	ref := &model.ReplyRef{ID: id}
	if i := t.index(id); i >= 0 {
		q := t.msgs[i]
		ref.Kind = string(q.Kind)
		ref.Body = q.Body
		ref.CreatedAt = q.CreatedAt
		ref.SenderID = q.Sender.ID
		ref.SenderName = q.Sender.DisplayName
	}
	return ref
}

// deliver uploads m's unfinished attachments, then emits it.
func (c *Coordinator) deliver(ctx context.Context, m model.Message) (model.Message, error) {
	if pendingUploads(m) > 0 {
		var err error
		m, err = c.uploadAttachments(ctx, m)
		if err != nil {
			return m, err
		}
	}
	return c.emit(ctx, m)
}

func pendingUploads(m model.Message) int {
	n := 0
	for _, a := range m.Attachments {
		if a.Status != model.AttachmentUploaded {
			n++
		}
	}
	return n
}

func (c *Coordinator) uploadAttachments(ctx context.Context, m model.Message) (model.Message, error) {
	var (
		files []upload.File
		ids   []string
	)
	for _, a := range m.Attachments {
		if a.Status == model.AttachmentUploaded {
			continue
		}
		files = append(files, upload.FileFromAttachment(a))
		ids = append(ids, a.ID)
	}

	onProgress := func(i, pct int) {
		c.patchAttachment(m.ConversationID, m.ID, ids[i], func(a *model.Attachment) {
			a.Status = model.AttachmentUploading
			a.UploadProgress = pct
		})
		c.bus.Emit(bus.MessageProgress, UploadProgress{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			AttachmentID:   ids[i],
			Progress:       pct,
		})
	}

	dest := upload.Destination{ConversationID: m.ConversationID}
	var results []upload.Result
	if c.sequential {
		results = c.uploads.UploadSequential(ctx, files, dest, onProgress, func(int, upload.Result) bool { return true })
	} else {
		results = c.uploads.UploadParallel(ctx, files, dest, onProgress)
	}

	var failures []error
	out, err := c.updateMessage(ctx, m.ConversationID, m.ID, func(msg *model.Message) {
		for _, r := range results {
			i := msg.Attachment(r.File.ID)
			if i < 0 {
				continue
			}
			if r.Err != nil {
				msg.Attachments[i].Status = model.AttachmentFailed
				failures = append(failures, fmt.Errorf("attachment %s: %w", r.File.ID, r.Err))
				continue
			}
			uploaded := r.Descriptor.Attachment()
			uploaded.ThumbURL = msg.Attachments[i].ThumbURL
			msg.Attachments[i] = uploaded
		}
		if len(failures) > 0 {
			msg.Status = model.StatusFailed
		} else {
			msg.Status = model.StatusUploaded
		}
	})
	if err != nil {
		return m, err
	}
	if len(failures) > 0 {
		uerr := errors.Join(failures...)
		c.bus.Emit(bus.MessageSendFailed, SendFailure{Message: out.Clone(), Err: uerr.Error()})
		return out, uerr
	}
	return out, nil
}

// emit sends m over the push channel. When the channel is down the message
// is marked failed and queued in the outbox for the sender loop.
func (c *Coordinator) emit(ctx context.Context, m model.Message) (model.Message, error) {
	payload := newSendPayload(m)
	err := c.emitter.Emit(ctx, conn.EventMessageSend, payload)
	if err == nil {
		// An earlier failed attempt may still sit in the outbox.
		c.mirror("outbox", m.ID, c.db.MarkOutboxSent(ctx, m.ID))
		return c.setStatus(ctx, m, model.StatusSent, bus.MessageSendAck)
	}

	c.logger.Warn("emitting message failed", zap.String("message_id", m.ID), zap.Error(err))
	out, serr := c.setStatus(ctx, m, model.StatusFailed, "")
	if serr != nil {
		return out, errors.Join(err, serr)
	}
	if out.Status.Confirmed() {
		return out, nil
	}
	c.bus.Emit(bus.MessageSendFailed, SendFailure{Message: out.Clone(), Err: err.Error()})

	if errors.Is(err, errs.ErrNotConnected) {
		data, merr := json.Marshal(payload)
		if merr == nil {
			merr = c.db.QueueOutbox(ctx, store.OutboxEntry{
				ID:             m.ID,
				ConversationID: m.ConversationID,
				Event:          conn.EventMessageSend,
				Payload:        data,
			})
		}
		c.mirror("outbox", m.ID, merr)
	}
	return out, err
}

// setStatus records a send outcome. A message the service already echoed
// keeps its confirmed status and no event is published.
func (c *Coordinator) setStatus(ctx context.Context, m model.Message, status model.MessageStatus, kind string) (model.Message, error) {
	out, err := c.updateMessage(ctx, m.ConversationID, m.ID, func(msg *model.Message) {
		if !msg.Status.Confirmed() {
			msg.Status = status
		}
	})
	if err != nil {
		return m, err
	}
	if kind != "" && !out.Status.Confirmed() {
		c.bus.Emit(kind, out.Clone())
	}
	return out, nil
}

// updateMessage mutates a buffered message, mirrors it and publishes the
// result.
func (c *Coordinator) updateMessage(ctx context.Context, conversationID, id string, fn func(*model.Message)) (model.Message, error) {
	var (
		out   model.Message
		found bool
	)
	err := c.msgs.do(func(s *msgState) {
		t := s.thread(conversationID)
		i := t.index(id)
		if i < 0 {
			return
		}
		found = true
		fn(&t.msgs[i])
		out = t.msgs[i].Clone()
		c.mirror("message", id, c.db.UpsertMessage(ctx, out))
	})
	if err != nil {
		return out, err
	}
	if !found {
		return out, fmt.Errorf("%w: %s", errs.ErrMessageNotFound, id)
	}
	c.bus.Emit(bus.MessageUpserted, out.Clone())
	return out, nil
}

// patchAttachment updates one attachment in memory only; progress is too
// chatty to mirror.
func (c *Coordinator) patchAttachment(conversationID, messageID, attachmentID string, fn func(*model.Attachment)) {
	_ = c.msgs.do(func(s *msgState) {
		t := s.thread(conversationID)
		i := t.index(messageID)
		if i < 0 {
			return
		}
		if j := t.msgs[i].Attachment(attachmentID); j >= 0 {
			fn(&t.msgs[i].Attachments[j])
		}
	})
}

// Retry re-uploads a failed message's failed attachments and emits it
// again. Messages that are not failed are returned unchanged.
func (c *Coordinator) Retry(ctx context.Context, conversationID, messageID string) (model.Message, error) {
	m, ok := c.lookup(conversationID, messageID)
	if !ok {
		return model.Message{}, fmt.Errorf("%w: %s", errs.ErrMessageNotFound, messageID)
	}
	if m.Status != model.StatusFailed {
		return m, nil
	}

	next := model.StatusPending
	if pendingUploads(m) > 0 {
		next = model.StatusUploading
	}
	m, err := c.updateMessage(ctx, conversationID, messageID, func(msg *model.Message) {
		msg.Status = next
		for i := range msg.Attachments {
			if msg.Attachments[i].Status == model.AttachmentFailed {
				msg.Attachments[i].Status = model.AttachmentPending
				msg.Attachments[i].UploadProgress = 0
			}
		}
	})
	if err != nil {
		return m, err
	}
	return c.deliver(ctx, m)
}

// Recall withdraws a message: the service is told first, then the message
// leaves the buffer and the store.
func (c *Coordinator) Recall(ctx context.Context, conversationID, messageID string) error {
	if _, ok := c.lookup(conversationID, messageID); !ok {
		return fmt.Errorf("%w: %s", errs.ErrMessageNotFound, messageID)
	}
	if err := c.emitter.Emit(ctx, conn.EventMessageRecall, recallPayload{
		ConversationID: conversationID,
		ID:             messageID,
	}); err != nil {
		return fmt.Errorf("recall %s: %w", messageID, err)
	}

	if err := c.msgs.do(func(s *msgState) {
		t := s.thread(conversationID)
		if i := t.index(messageID); i >= 0 {
			t.msgs = slices.Delete(t.msgs, i, i+1)
		}
		c.mirror("message", messageID, c.db.DeleteMessage(ctx, messageID))
	}); err != nil {
		return err
	}
	c.bus.Emit(bus.MessageRemoved, messageID)
	return nil
}

// MarkSent records that a queued message finally went out.
func (c *Coordinator) MarkSent(ctx context.Context, conversationID, messageID string) error {
	out, err := c.updateMessage(ctx, conversationID, messageID, func(msg *model.Message) {
		if !msg.Status.Confirmed() {
			msg.Status = model.StatusSent
		}
	})
	if errors.Is(err, errs.ErrMessageNotFound) {
		// Not buffered in this session; fix the cached copy.
		m, gerr := c.db.GetMessage(ctx, messageID)
		if gerr != nil || m == nil {
			return err
		}
		if m.Status.Confirmed() {
			return nil
		}
		m.Status = model.StatusSent
		return c.db.UpsertMessage(ctx, *m)
	}
	if err != nil {
		return err
	}
	c.bus.Emit(bus.MessageSendAck, out)
	return nil
}

func (c *Coordinator) lookup(conversationID, messageID string) (model.Message, bool) {
	var (
		out model.Message
		ok  bool
	)
	_ = c.msgs.do(func(s *msgState) {
		t, exists := s.threads[conversationID]
		if !exists {
			return
		}
		if i := t.index(messageID); i >= 0 {
			out, ok = t.msgs[i].Clone(), true
		}
	})
	return out, ok
}
