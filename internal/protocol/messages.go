// Package protocol defines the WebSocket message types and structures used for
// communication between chat clients and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom         = "join_room"
	TypeLeaveRoom        = "leave_room"
	TypeJoinAllRooms     = "join_all_rooms"
	TypeJoinProjectRooms = "join_project_rooms"
	TypeSendMessage      = "send_message"
	TypeMarkRead         = "mark_read"
	TypeTyping           = "typing"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeNewMessage     = "new_message"
	TypeMessagesRead   = "messages_read"
	TypeUserTyping     = "user_typing"
	TypeUserJoinedChat = "user_joined_chat"
	TypeUserLeftChat   = "user_left_chat"
	TypeUserOnline     = "user_online"
	TypeUserOffline    = "user_offline"
	TypeRoomJoined     = "room_joined"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeAuthFailed      = "AUTH_FAILED"
	CodeAccessDenied    = "ACCESS_DENIED"
	CodeNotFound        = "NOT_FOUND"
	CodeChatInactive    = "CHAT_INACTIVE"
	CodeInvalidContent  = "INVALID_CONTENT"
	CodeMessageSpam     = "MESSAGE_SPAM"
	CodeInternal        = "INTERNAL_ERROR"
	CodeParseError      = "PARSE_ERROR"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
)

// ---------------------------------------------------------------------------
// Envelope, used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to subscribe to a single chat room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// LeaveRoomMsg is sent by the client to unsubscribe from a chat room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// JoinAllRoomsMsg is sent by the client to bulk-subscribe to every chat it
// is a party to.
type JoinAllRoomsMsg struct {
	Type string `json:"type"`
}

// JoinProjectRoomsMsg is sent by an operator to bulk-subscribe to every chat
// it is a party to within a single project.
type JoinProjectRoomsMsg struct {
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
}

// MessageMetadata carries optional attachment information for non-text
// messages. The gateway uses it to infer the message type when the client
// does not specify one.
type MessageMetadata struct {
	MimeType string `json:"mime_type,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	FileName string `json:"file_name,omitempty"`
}

// SendMessageMsg is a chat message submitted by the client. MsgType is
// optional; when empty the gateway infers it from the metadata.
type SendMessageMsg struct {
	Type     string           `json:"type"`
	ChatID   string           `json:"chat_id"`
	Content  string           `json:"content"`
	MsgType  string           `json:"msg_type,omitempty"`
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// MarkReadMsg marks every unread message in a chat as read by the sender.
type MarkReadMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// TypingMsg indicates whether the client is currently typing in a chat.
type TypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent to the connecting client once its identity has been
// resolved and registered.
type ConnectedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// NewMessageMsg carries a persisted chat message to every room subscriber.
type NewMessageMsg struct {
	Type    string          `json:"type"`
	ChatID  string          `json:"chat_id"`
	Message json.RawMessage `json:"message"`
}

// MessagesReadMsg notifies room subscribers that a user has read the chat.
type MessagesReadMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	ReadBy    string `json:"read_by"`
	Timestamp int64  `json:"timestamp"`
}

// UserTypingMsg relays a typing indicator to room subscribers.
type UserTypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

// UserJoinedChatMsg notifies room subscribers that a user joined the room.
type UserJoinedChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// UserLeftChatMsg notifies room subscribers that a user left the room.
type UserLeftChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// UserOnlineMsg is sent to a user's personal room when they come online.
type UserOnlineMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// UserOfflineMsg is sent to a user's personal room when their last
// connection closes.
type UserOfflineMsg struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// RoomJoinedMsg confirms a successful room join to the requesting client,
// listing the rooms joined (one for join_room, possibly many for the bulk
// variants).
type RoomJoinedMsg struct {
	Type  string   `json:"type"`
	Rooms []string `json:"rooms"`
}

// ErrorMsg is sent by the gateway to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the gateway's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinAllRooms:
		var m JoinAllRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinProjectRooms:
		var m JoinProjectRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
