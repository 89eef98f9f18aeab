package store

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const (
	conversationsTable = "conversations"
	messagesTable      = "messages"
	syncStateTable     = "sync_state"
	outboxTable        = "outbox"
)

// defaultLimit bounds list queries that do not specify a limit.
const defaultLimit = 50

// ConversationFilter selects cached conversations.
type ConversationFilter struct {
	Kind   model.ConversationKind
	Query  string
	Limit  int
	Offset int
}

// OutboxEntry is a push-channel emit waiting for a live connection.
type OutboxEntry struct {
	ID             string
	ConversationID string
	Event          string
	Payload        json.RawMessage
	Status         string // queued, sending, sent, failed
	Attempts       int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
