package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const (
	roomsPath    = "/chat/rooms"
	messagesPath = "/chat/messages/"
	uploadPath   = "/filesystem/upload-single-user"

	// UploadTimeout bounds a single attachment upload.
	UploadTimeout = 10 * time.Second
)

// RoomQuery filters the room list.
type RoomQuery struct {
	Query  string
	Kind   model.ConversationKind
	Limit  int
	Offset int
}

// ListRooms fetches one page of conversations.
func (c *Client) ListRooms(ctx context.Context, q RoomQuery) ([]model.Conversation, error) {
	v := url.Values{}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	v.Set("offset", strconv.Itoa(q.Offset))
	kind := q.Kind
	if kind == "" {
		kind = model.KindAll
	}
	v.Set("type", string(kind))

	resp, err := c.Get(ctx, roomsPath, WithQuery(v))
	if err != nil {
		return nil, err
	}
	rows := listAt(resp.Metadata, "rooms")
	out := make([]model.Conversation, 0, len(rows))
	for _, r := range rows {
		conv := DecodeConversation(r)
		if conv.ID == "" {
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// CreateRoom creates a conversation and returns it as the service stored it.
func (c *Client) CreateRoom(ctx context.Context, name string, kind model.ConversationKind, memberIDs []string) (model.Conversation, error) {
	body := struct {
		Name      string   `json:"name"`
		Type      string   `json:"type"`
		MemberIDs []string `json:"memberIds"`
	}{name, string(kind), memberIDs}

	resp, err := c.Post(ctx, roomsPath, body)
	if err != nil {
		return model.Conversation{}, err
	}
	conv := DecodeConversation(resp.Metadata)
	if conv.ID == "" {
		return model.Conversation{}, fmt.Errorf("POST %s: response carries no room id", roomsPath)
	}
	return conv, nil
}

// Direction selects which side of a pivot message to page.
type Direction string

const (
	Older Direction = "old"
	Newer Direction = "new"
)

// MessageQuery pages a conversation's history around PivotID.
type MessageQuery struct {
	PivotID   string
	Limit     int
	Direction Direction
}

// ListMessages fetches one page of a conversation's messages.
func (c *Client) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]model.Message, error) {
	v := url.Values{}
	if q.PivotID != "" {
		v.Set("msgId", q.PivotID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Direction != "" {
		v.Set("type", string(q.Direction))
	}

	resp, err := c.Get(ctx, messagesPath+url.PathEscape(conversationID), WithQuery(v))
	if err != nil {
		return nil, err
	}
	rows := listAt(resp.Metadata, "messages")
	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m := DecodeMessage(r)
		if m.ID == "" {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
	}
	return out, nil
}

// UploadFile posts one attachment for conversationID. fileID is echoed
// back by the service as the descriptor id.
func (c *Client) UploadFile(ctx context.Context, conversationID, fileID string, form Form, onProgress ProgressFunc) (model.Attachment, error) {
	form.FileField = "file"
	form.Fields = append(form.Fields,
		Field{Name: "roomId", Value: conversationID},
		Field{Name: "id", Value: fileID},
	)
	resp, err := c.PostMultipart(ctx, uploadPath, form, onProgress, WithTimeout(UploadTimeout))
	if err != nil {
		return model.Attachment{}, err
	}
	return DecodeAttachment(resp.Metadata), nil
}
