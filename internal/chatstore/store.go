// Package chatstore defines the message store port consumed by the gateway:
// chats, persisted messages, participant identity lookups, and read/unread
// state. The canonical implementation is PostgreSQL; tests use in-memory
// fakes of the Store interface.
package chatstore

import (
	"context"
	"time"
)

// Message type values.
const (
	MessageText  = "TEXT"
	MessageImage = "IMAGE"
	MessageFile  = "FILE"
)

// Chat is one support conversation between a project's operator and one
// external participant.
type Chat struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	OperatorID     string    `json:"operator_id"`
	ParticipantID  string    `json:"participant_id"`
	Active         bool      `json:"active"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// IsMember reports whether userID is a party to this chat, on either side.
func (c *Chat) IsMember(userID string) bool {
	return userID == c.OperatorID || userID == c.ParticipantID
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Type      string    `json:"msg_type"`
	FileURL   string    `json:"file_url,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the input for CreateMessage. The store assigns the id,
// creation timestamp, and read=false.
type NewMessage struct {
	ChatID   string
	SenderID string
	Content  string
	Type     string
	FileURL  string
	FileName string
	MimeType string
}

// Store is the message store port. Lookups that find nothing return
// (nil, nil); callers distinguish "absent" from infrastructure errors.
type Store interface {
	// FindChatByID returns the chat with the given id, or nil if absent.
	FindChatByID(ctx context.Context, chatID string) (*Chat, error)

	// FindChatByParticipants returns the chat between an operator and a
	// participant, or nil if none exists.
	FindChatByParticipants(ctx context.Context, operatorID, participantID string) (*Chat, error)

	// ListChatsForUser returns every chat the user is a party to, on
	// either side.
	ListChatsForUser(ctx context.Context, userID string) ([]Chat, error)

	// ListChatsForUserInProject is ListChatsForUser narrowed to one project.
	ListChatsForUserInProject(ctx context.Context, userID, projectID string) ([]Chat, error)

	// CreateMessage persists a new message and returns the stored record.
	CreateMessage(ctx context.Context, in *NewMessage) (*Message, error)

	// CountRecentMessagesBySender counts messages the user sent within the
	// trailing window, across all chats.
	CountRecentMessagesBySender(ctx context.Context, userID string, window time.Duration) (int, error)

	// GetUnreadCount counts messages in the chat not yet read and not sent
	// by userID.
	GetUnreadCount(ctx context.Context, chatID, userID string) (int, error)

	// MarkChatRead marks every message in the chat not sent by userID as read.
	MarkChatRead(ctx context.Context, chatID, userID string) error

	// TouchChat bumps the chat's last-activity marker.
	TouchChat(ctx context.Context, chatID string) error

	// ResolveParticipantUserID maps an external participant id scoped to a
	// project onto the internal user id. Returns "" if the pair is unknown.
	ResolveParticipantUserID(ctx context.Context, externalParticipantID, projectID string) (string, error)
}
