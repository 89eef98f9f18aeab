package conn

import (
	"encoding/json"
	"errors"
	"fmt"

	errs "github.com/matheus3301/chatsync/internal/errors"
	"github.com/tidwall/gjson"
)

// Push channel event names.
const (
	EventConversationUpsert = "conversation:upsert"
	EventMessageUpsert      = "message:upsert"
	EventMarkRead           = "mark:readed"
	EventMessageSend        = "message:send"
	EventMessageRecall      = "message:recall"
	EventException          = "exception"
	EventConnectError       = "connect_error"
)

// ErrBadEnvelope is returned for frames that are not {"event", "data"} objects.
var ErrBadEnvelope = errors.New("malformed push envelope")

// Event is one named message on the push channel.
type Event struct {
	Name string
	Data json.RawMessage
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode renders e as a wire envelope.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(envelope{Event: e.Name, Data: e.Data})
}

// Decode parses a wire envelope, peeking the event name without decoding
// the payload.
func Decode(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, fmt.Errorf("%w: invalid json", ErrBadEnvelope)
	}
	name := gjson.GetBytes(raw, "event")
	if name.Type != gjson.String || name.Str == "" {
		return Event{}, fmt.Errorf("%w: missing event name", ErrBadEnvelope)
	}
	var data json.RawMessage
	if d := gjson.GetBytes(raw, "data"); d.Exists() {
		data = json.RawMessage(d.Raw)
	}
	return Event{Name: name.Str, Data: data}, nil
}

// authRejection returns a terminal error when e is the server rejecting
// the connection's credentials.
func authRejection(e Event) error {
	if e.Name != EventException && e.Name != EventConnectError {
		return nil
	}
	code := gjson.GetBytes(e.Data, "statusCode").Int()
	msg := gjson.GetBytes(e.Data, "message").String()
	if code == 401 || errs.IsAuthReason(msg) {
		return fmt.Errorf("%w: server rejected credentials (%s)", errs.ErrUnauthorized, msg)
	}
	return nil
}
