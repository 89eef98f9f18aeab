package model

import (
	"slices"
	"time"
)

// ConversationKind classifies a conversation.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
	KindChannel ConversationKind = "channel"

	// KindAll is only valid as a list filter.
	KindAll ConversationKind = "all"
)

// Valid reports whether k names a concrete conversation kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case KindPrivate, KindGroup, KindChannel:
		return true
	}
	return false
}

// Matches reports whether a conversation of kind c passes the filter k.
func (k ConversationKind) Matches(c ConversationKind) bool {
	return k == "" || k == KindAll || k == c
}

// MemberRef identifies a conversation member.
type MemberRef struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// LastMessageSummary is the preview snapshot shown in conversation lists.
type LastMessageSummary struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
}

// Conversation is a chat thread (room).
type Conversation struct {
	ID          string
	RemoteID    string
	Kind        ConversationKind
	DisplayName string
	AvatarRef   string
	Members     []MemberRef
	LastMessage *LastMessageSummary
	UnreadCount int
	UpdatedAt   time.Time
	CreatedAt   time.Time
	Pinned      bool
	Muted       bool
	IsRead      bool
	LastReadID  string
}

// Normalize fills identity defaults and clamps counters.
func (c *Conversation) Normalize() {
	if c.ID == "" {
		c.ID = c.RemoteID
	}
	if c.RemoteID == "" {
		c.RemoteID = c.ID
	}
	if !c.Kind.Valid() {
		c.Kind = KindPrivate
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
}

// Clone returns a deep copy safe to hand to observers.
func (c Conversation) Clone() Conversation {
	c.Members = slices.Clone(c.Members)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// Stale reports whether c is older than the cached copy.
func (c Conversation) Stale(cached Conversation) bool {
	return !c.UpdatedAt.IsZero() && c.UpdatedAt.Before(cached.UpdatedAt)
}
