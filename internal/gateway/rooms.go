package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/talkwire/chat-gateway/internal/chatstore"
	"github.com/talkwire/chat-gateway/internal/identity"
)

// ErrRoomDenied is returned when an identity is not authorized to join a
// room. An absent chat is reported the same way so membership is not leaked
// to unauthorized callers.
var ErrRoomDenied = errors.New("gateway: room access denied")

// Room key prefixes. Chat rooms carry message traffic; user rooms carry
// personal presence notices only.
const (
	chatRoomPrefix = "chat_"
	userRoomPrefix = "user_"
)

// ChatRoom returns the broadcast room key for a chat.
func ChatRoom(chatID string) string { return chatRoomPrefix + chatID }

// UserRoom returns the personal broadcast room key for a user.
func UserRoom(userID string) string { return userRoomPrefix + userID }

// ChatIDFromRoom extracts the chat id from a chat room key, or "" if the key
// is not a chat room.
func ChatIDFromRoom(roomKey string) string {
	if strings.HasPrefix(roomKey, chatRoomPrefix) {
		return strings.TrimPrefix(roomKey, chatRoomPrefix)
	}
	return ""
}

// RoomManager tracks which rooms each connection has joined. Membership is
// purely in-memory and reconstructed from scratch on reconnect. Every join
// re-validates authorization at call time against the message store;
// authorization is never cached.
type RoomManager struct {
	store chatstore.Store

	mu     sync.Mutex
	byRoom map[string]map[string]struct{} // roomKey -> set of connection ids
	byConn map[string]map[string]struct{} // connID -> set of room keys
}

// NewRoomManager creates an empty RoomManager authorizing against store.
func NewRoomManager(store chatstore.Store) *RoomManager {
	return &RoomManager{
		store:  store,
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes a connection to a room after re-checking that the identity
// is authorized for it: a chat room requires the identity to be the chat's
// operator or participant, a user room requires the identity's own user id.
// Unauthorized joins return ErrRoomDenied and do not mutate membership.
// Joining an already-joined room is a no-op.
func (m *RoomManager) Join(ctx context.Context, connID string, ident identity.Identity, roomKey string) error {
	if err := m.authorize(ctx, ident, roomKey); err != nil {
		return err
	}
	m.add(connID, roomKey)
	return nil
}

// authorize checks room access for the identity without touching membership.
func (m *RoomManager) authorize(ctx context.Context, ident identity.Identity, roomKey string) error {
	switch {
	case strings.HasPrefix(roomKey, userRoomPrefix):
		if strings.TrimPrefix(roomKey, userRoomPrefix) != ident.UserID {
			return ErrRoomDenied
		}
		return nil

	case strings.HasPrefix(roomKey, chatRoomPrefix):
		chat, err := m.store.FindChatByID(ctx, strings.TrimPrefix(roomKey, chatRoomPrefix))
		if err != nil {
			return fmt.Errorf("gateway: room authorization lookup: %w", err)
		}
		if chat == nil || !chat.IsMember(ident.UserID) {
			return ErrRoomDenied
		}
		return nil

	default:
		return ErrRoomDenied
	}
}

// JoinAll subscribes the connection to the chat room of every chat the
// identity is a party to, listed from the message store. When projectID is
// non-empty the listing is narrowed to that project. A failure to join one
// chat does not abort the remaining joins. Returns the room keys joined.
func (m *RoomManager) JoinAll(ctx context.Context, connID string, ident identity.Identity, projectID string) ([]string, error) {
	var (
		chats []chatstore.Chat
		err   error
	)
	if projectID != "" {
		chats, err = m.store.ListChatsForUserInProject(ctx, ident.UserID, projectID)
	} else {
		chats, err = m.store.ListChatsForUser(ctx, ident.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("gateway: list chats for join-all: %w", err)
	}

	joined := make([]string, 0, len(chats))
	for _, chat := range chats {
		// Listing said we are a member, but re-check each room the same way
		// a single join would, so one policy covers both paths.
		roomKey := ChatRoom(chat.ID)
		if err := m.Join(ctx, connID, ident, roomKey); err != nil {
			log.Printf("gateway: join-all skip room=%s user=%s: %v", roomKey, ident.UserID, err)
			continue
		}
		joined = append(joined, roomKey)
	}
	return joined, nil
}

// add records membership in both directions. Caller has already authorized.
func (m *RoomManager) add(connID, roomKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.byRoom[roomKey]
	if !ok {
		room = make(map[string]struct{})
		m.byRoom[roomKey] = room
	}
	room[connID] = struct{}{}

	rooms, ok := m.byConn[connID]
	if !ok {
		rooms = make(map[string]struct{})
		m.byConn[connID] = rooms
	}
	rooms[roomKey] = struct{}{}
}

// Leave unsubscribes a connection from a room. Leaving an unjoined room is
// a no-op.
func (m *RoomManager) Leave(connID, roomKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drop(connID, roomKey)
}

// drop removes membership in both directions. Caller holds the mutex.
func (m *RoomManager) drop(connID, roomKey string) {
	if room, ok := m.byRoom[roomKey]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(m.byRoom, roomKey)
		}
	}
	if rooms, ok := m.byConn[connID]; ok {
		delete(rooms, roomKey)
		if len(rooms) == 0 {
			delete(m.byConn, connID)
		}
	}
}

// Forget removes the connection from every room it had joined and returns
// the room keys it was in. Used on disconnect; idempotent.
func (m *RoomManager) Forget(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.byConn[connID]
	out := make([]string, 0, len(rooms))
	for roomKey := range rooms {
		out = append(out, roomKey)
	}
	for _, roomKey := range out {
		m.drop(connID, roomKey)
	}
	return out
}

// Members returns a snapshot of the connection ids currently in a room.
func (m *RoomManager) Members(roomKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.byRoom[roomKey]
	out := make([]string, 0, len(room))
	for connID := range room {
		out = append(out, connID)
	}
	return out
}

// InRoom reports whether a connection is currently joined to a room.
func (m *RoomManager) InRoom(connID, roomKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byRoom[roomKey][connID]
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (m *RoomManager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byRoom)
}
