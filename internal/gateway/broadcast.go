package gateway

import (
	"log"
	"sync"

	"github.com/talkwire/chat-gateway/internal/protocol"
)

// Sender delivers one serialized frame to one connection. An error means the
// connection is gone or unwritable; the broadcaster drops it silently.
type Sender func(connID string, data []byte) error

// memberLister is the slice of the room manager the broadcaster needs.
type memberLister interface {
	Members(roomKey string) []string
}

// Broadcaster fans a server message out to every connection currently in a
// room. Each room has its own lock held across the membership snapshot and
// the writes, so two emits to the same room are delivered to every shared
// member in emit order. Cross-room emits proceed concurrently.
type Broadcaster struct {
	rooms memberLister
	send  Sender

	mu      sync.Mutex
	roomMus map[string]*sync.Mutex
}

// NewBroadcaster creates a Broadcaster reading membership from rooms and
// writing frames through send.
func NewBroadcaster(rooms memberLister, send Sender) *Broadcaster {
	return &Broadcaster{
		rooms:   rooms,
		send:    send,
		roomMus: make(map[string]*sync.Mutex),
	}
}

// roomLock returns the per-room ordering lock, creating it on first use.
// Rooms are keyed by chat or user id, so the map is bounded by the set of
// rooms ever touched within the process lifetime.
func (b *Broadcaster) roomLock(roomKey string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	mu, ok := b.roomMus[roomKey]
	if !ok {
		mu = &sync.Mutex{}
		b.roomMus[roomKey] = mu
	}
	return mu
}

// Emit delivers a server message to every connection in the room at the
// moment of the call. Delivery to a since-disconnected connection is
// silently dropped.
func (b *Broadcaster) Emit(roomKey, msgType string, payload interface{}) {
	b.EmitExcept(roomKey, "", msgType, payload)
}

// EmitExcept is Emit with one connection excluded, used for room
// join/leave notices, where the actor should not hear about itself.
func (b *Broadcaster) EmitExcept(roomKey, exceptConnID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("gateway: build %s broadcast for room=%s: %v", msgType, roomKey, err)
		return
	}

	mu := b.roomLock(roomKey)
	mu.Lock()
	defer mu.Unlock()

	for _, connID := range b.rooms.Members(roomKey) {
		if connID == exceptConnID {
			continue
		}
		// Write errors mean the connection died mid-dispatch; the transport
		// cleanup path owns it.
		_ = b.send(connID, data)
	}
}

// EmitTo delivers a server message to a single connection, bypassing room
// membership. Used for direct responses: connected, errors, pongs.
func (b *Broadcaster) EmitTo(connID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return b.send(connID, data)
}

// EmitError sends a structured error message to a single connection.
// Transmission failures are logged, not propagated.
func (b *Broadcaster) EmitError(connID, code, message string) {
	if err := b.EmitTo(connID, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	}); err != nil {
		log.Printf("gateway: send error code=%s to conn=%s: %v", code, connID, err)
	}
}
