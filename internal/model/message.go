package model

import (
	"cmp"
	"slices"
	"time"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
	MessageVideo MessageKind = "video"
)

// MessageStatus tracks a message through send, delivery and recall.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusUploading MessageStatus = "uploading"
	StatusUploaded  MessageStatus = "uploaded"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
	StatusRecalled  MessageStatus = "recalled"
)

// Confirmed reports whether the service has echoed the message back.
// Send outcomes never overwrite a confirmed status.
func (s MessageStatus) Confirmed() bool {
	return s == StatusDelivered || s == StatusRead || s == StatusRecalled
}

// Sender is the author of a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// Reaction aggregates one emoji on a message.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds,omitempty"`
}

// ReplyRef is the quoted message a reply points at.
type ReplyRef struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind,omitempty"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
}

// Receipt records that a user read a message.
type Receipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Message is one chat message. ID is assigned by the composing client and
// never changes afterwards.
type Message struct {
	ID             string
	ConversationID string
	Kind           MessageKind
	Body           string
	CreatedAt      time.Time
	EditedAt       time.Time
	Sender         Sender
	Attachments    []Attachment
	Reactions      []Reaction
	Reply          *ReplyRef
	ReadBy         []Receipt
	Pinned         bool
	Status         MessageStatus
	IsMine         bool
	IsRead         bool
}

// Clone returns a deep copy safe to hand to observers.
func (m Message) Clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.Reactions = slices.Clone(m.Reactions)
	m.ReadBy = slices.Clone(m.ReadBy)
	if m.Reply != nil {
		r := *m.Reply
		m.Reply = &r
	}
	return m
}

// Attachment returns the index of the attachment with the given id, or -1.
func (m Message) Attachment(id string) int {
	return slices.IndexFunc(m.Attachments, func(a Attachment) bool { return a.ID == id })
}

// CompareMessages orders by creation time, then id.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortMessages sorts msgs ascending by creation time.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, CompareMessages)
}
