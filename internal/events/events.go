// Package events defines the domain events the gateway produces and a NATS
// publisher that exports them for external consumers, most importantly the
// push dispatcher, which delivers notifications to offline devices.
package events

import "encoding/json"

// Event type values. The type doubles as the NATS subject suffix.
const (
	TypeMessageCreated  = "message.created"
	TypeMessagesRead    = "messages.read"
	TypePresenceChanged = "presence.changed"
	TypeUserJoinedRoom  = "room.user_joined"
	TypeUserLeftRoom    = "room.user_left"
	TypeTypingChanged   = "typing.changed"
	TypeError           = "error"
)

// Event is an immutable record of one gateway-level occurrence. Room is the
// scoping key (chat_<id> or user_<id>) used to compute the delivery set;
// consumers must never widen it.
type Event struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	ChatID  string          `json:"chat_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ts      int64           `json:"ts"`
}
