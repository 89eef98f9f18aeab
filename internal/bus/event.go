package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "message." receives every message event.
const (
	ConnectionStatusChanged = "connection.status_changed"

	ConversationUpserted = "conversation.upserted"
	ConversationRemoved  = "conversation.removed"

	MessageUpserted   = "message.upserted"
	MessageRemoved    = "message.removed"
	MessageProgress   = "message.upload_progress"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
