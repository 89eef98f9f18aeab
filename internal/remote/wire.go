package remote

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/tidwall/gjson"
)

// firstString returns the first non-empty string among paths.
func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func timeAt(r gjson.Result, paths ...string) time.Time {
	return model.ParseTime(firstString(r, paths...))
}

// DecodeConversation maps a room object from the chat service.
func DecodeConversation(r gjson.Result) model.Conversation {
	c := model.Conversation{
		ID:          firstString(r, "id", "_id", "roomId"),
		RemoteID:    firstString(r, "roomId", "id", "_id"),
		Kind:        model.ConversationKind(r.Get("type").String()),
		DisplayName: r.Get("name").String(),
		AvatarRef:   r.Get("avatar").String(),
		UnreadCount: int(model.Int64(r.Get("unread_count"))),
		UpdatedAt:   timeAt(r, "updatedAt", "updated_at"),
		CreatedAt:   timeAt(r, "createdAt", "created_at"),
		Pinned:      r.Get("pinned").Bool(),
		Muted:       r.Get("muted").Bool(),
		IsRead:      r.Get("is_read").Bool(),
		LastReadID:  r.Get("last_read_id").String(),
	}
	for _, m := range r.Get("members").Array() {
		c.Members = append(c.Members, model.MemberRef{
			ID:     firstString(m, "id", "_id"),
			Name:   firstString(m, "name", "fullname"),
			Role:   m.Get("role").String(),
			Avatar: m.Get("avatar").String(),
		})
	}
	if lm := r.Get("last_message"); lm.IsObject() && firstString(lm, "id", "_id") != "" {
		c.LastMessage = &model.LastMessageSummary{
			ID:         firstString(lm, "id", "_id"),
			Text:       lm.Get("content").String(),
			CreatedAt:  timeAt(lm, "createdAt"),
			SenderID:   lm.Get("sender_id").String(),
			SenderName: lm.Get("sender_fullname").String(),
		}
	}
	c.Normalize()
	return c
}

// DecodeMessage maps a message object from the chat service.
func DecodeMessage(r gjson.Result) model.Message {
	m := model.Message{
		ID:             firstString(r, "id", "_id"),
		ConversationID: firstString(r, "roomId", "conversationId"),
		Kind:           model.MessageKind(firstString(r, "type")),
		Body:           r.Get("content").String(),
		CreatedAt:      timeAt(r, "createdAt"),
		EditedAt:       timeAt(r, "editedAt"),
		Pinned:         r.Get("pinned").Bool(),
		Status:         model.MessageStatus(r.Get("status").String()),
		IsMine:         r.Get("isMine").Bool(),
		IsRead:         r.Get("isRead").Bool(),
	}
	if m.Kind == "" {
		m.Kind = model.MessageText
	}
	if s := r.Get("sender"); s.IsObject() {
		m.Sender = model.Sender{
			ID:          firstString(s, "id", "_id"),
			DisplayName: firstString(s, "fullname", "name"),
			AvatarRef:   s.Get("avatar").String(),
		}
	}
	for _, a := range r.Get("attachments").Array() {
		m.Attachments = append(m.Attachments, DecodeAttachment(a))
	}
	for _, re := range r.Get("reactions").Array() {
		rx := model.Reaction{
			Emoji: re.Get("emoji").String(),
			Count: int(model.Int64(re.Get("count"))),
		}
		for _, u := range re.Get("users").Array() {
			rx.UserIDs = append(rx.UserIDs, firstString(u, "usr_id", "_id", "id"))
		}
		m.Reactions = append(m.Reactions, rx)
	}
	if rp := r.Get("reply"); rp.IsObject() && firstString(rp, "_id", "id") != "" {
		m.Reply = &model.ReplyRef{
			ID:         firstString(rp, "_id", "id"),
			Kind:       rp.Get("type").String(),
			Body:       rp.Get("content").String(),
			CreatedAt:  timeAt(rp, "createdAt"),
			SenderID:   firstString(rp.Get("sender"), "_id", "id"),
			SenderName: firstString(rp.Get("sender"), "name", "fullname"),
		}
	}
	for _, rb := range r.Get("read_by").Array() {
		m.ReadBy = append(m.ReadBy, model.Receipt{
			UserID: firstString(rb.Get("user"), "id", "_id"),
			ReadAt: timeAt(rb, "readAt"),
		})
	}
	return m
}

// DecodeAttachment maps a file descriptor, including upload responses.
func DecodeAttachment(r gjson.Result) model.Attachment {
	a := model.Attachment{
		ID:             firstString(r, "_id", "id"),
		RemoteURL:      firstString(r, "uploadedUrl", "url"),
		ThumbURL:       r.Get("thumbUrl").String(),
		Name:           firstString(r, "name", "originalName"),
		Kind:           r.Get("kind").String(),
		MimeType:       r.Get("mimeType").String(),
		SizeBytes:      model.Int64(r.Get("size")),
		Status:         model.AttachmentStatus(r.Get("status").String()),
		UploadProgress: int(model.Int64(r.Get("uploadProgress"))),
	}
	if a.Status == "" && a.RemoteURL != "" {
		a.Status = model.AttachmentUploaded
	}
	return a
}

// listAt returns the array at metadata, or at metadata.<key> when the
// service wraps the page in an object.
func listAt(md gjson.Result, key string) []gjson.Result {
	if md.IsArray() {
		return md.Array()
	}
	return md.Get(key).Array()
}
