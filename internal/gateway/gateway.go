package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/talkwire/chat-gateway/internal/chatstore"
	"github.com/talkwire/chat-gateway/internal/events"
	"github.com/talkwire/chat-gateway/internal/identity"
	"github.com/talkwire/chat-gateway/internal/metrics"
	"github.com/talkwire/chat-gateway/internal/presence"
	"github.com/talkwire/chat-gateway/internal/protocol"
	"github.com/talkwire/chat-gateway/internal/ws"
)

// EventSink receives the gateway's domain events for external consumers
// (the push dispatcher). Best-effort: publish failures are logged, never
// surfaced to clients.
type EventSink interface {
	Publish(event events.Event) error
}

// Config holds gateway-level tuning.
type Config struct {
	Intake      IntakeConfig
	SpamGuard   SpamGuardConfig
	CallTimeout time.Duration // bound on external store calls per event
}

// DefaultConfig returns the standard gateway configuration.
func DefaultConfig() Config {
	return Config{
		Intake:      DefaultIntakeConfig(),
		SpamGuard:   DefaultSpamGuardConfig(),
		CallTimeout: 5 * time.Second,
	}
}

// Gateway glues the realtime core together: it resolves identity at
// connect, tracks connections and room membership, runs the message intake
// pipeline, and fans results out to room subscribers and the event feed.
// Each inbound event is handled independently; all shared state lives
// behind the Registry, RoomManager, and SpamGuard mutexes.
type Gateway struct {
	config   Config
	resolver *identity.Resolver
	registry *Registry
	rooms    *RoomManager
	tracker  *presence.Tracker
	intake   *Intake
	bcast    *Broadcaster
	store    chatstore.Store
	feed     EventSink // may be nil
}

// New wires a Gateway from its collaborator ports. send delivers serialized
// frames to connections; feed may be nil when no event consumer is
// deployed.
func New(config Config, resolver *identity.Resolver, store chatstore.Store, presenceStore presence.Store, send Sender, feed EventSink) *Gateway {
	g := &Gateway{
		config:   config,
		resolver: resolver,
		registry: NewRegistry(),
		rooms:    NewRoomManager(store),
		store:    store,
		feed:     feed,
	}
	g.bcast = NewBroadcaster(g.rooms, send)
	g.intake = NewIntake(config.Intake, store, NewSpamGuard(config.SpamGuard, store))
	g.tracker = presence.NewTracker(presenceStore, g.notifyPresence)
	return g
}

// Registry exposes the connection registry (read paths used by tooling).
func (g *Gateway) Registry() *Registry { return g.registry }

// Tracker exposes the presence tracker, mainly for the startup reset.
func (g *Gateway) Tracker() *presence.Tracker { return g.tracker }

func (g *Gateway) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.config.CallTimeout)
}

// emitError sends an error frame to the originating connection and mirrors
// it onto the event feed, scoped to the user's personal room. Only used once
// an identity is resolved; handshake failures have no user to scope to and
// go straight to the broadcaster.
func (g *Gateway) emitError(connID, userID, chatID, code, message string) {
	g.bcast.EmitError(connID, code, message)

	payload, err := json.Marshal(protocol.ErrorMsg{Code: code, Message: message})
	if err != nil {
		return
	}
	g.publish(events.Event{
		Type:    events.TypeError,
		Room:    UserRoom(userID),
		ChatID:  chatID,
		UserID:  userID,
		Payload: payload,
	})
}

// publish sends one event to the feed, if configured.
func (g *Gateway) publish(event events.Event) {
	if g.feed == nil {
		return
	}
	if event.Ts == 0 {
		event.Ts = time.Now().Unix()
	}
	if err := g.feed.Publish(event); err != nil {
		log.Printf("gateway: publish %s event: %v", event.Type, err)
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect resolves the connection's handshake credentials and, on success,
// registers the identity, subscribes the connection to its personal room
// and every chat room it is a party to, flips presence online if this is
// the user's first connection, and acknowledges with a connected message.
// On failure the client receives a terminal error event and the returned
// error tells the transport to close the connection.
func (g *Gateway) Connect(connID string, creds identity.Credentials) (identity.Identity, error) {
	ctx, cancel := g.callCtx()
	defer cancel()

	ident, err := g.resolver.Resolve(ctx, creds)
	if err != nil {
		g.countAuthFailure(err)
		g.bcast.EmitError(connID, protocol.CodeAuthFailed, authFailureMessage(err))
		return identity.Identity{}, err
	}

	count, seq := g.registry.Register(connID, ident)

	// Personal room for presence notices; trivially authorized.
	if err := g.rooms.Join(ctx, connID, ident, UserRoom(ident.UserID)); err != nil {
		log.Printf("gateway: join personal room user=%s: %v", ident.UserID, err)
	}

	// Bulk-subscribe to every chat the identity is a party to. Partial
	// failures were already skipped inside JoinAll; a listing failure is
	// surfaced but leaves the connection usable.
	if _, err := g.rooms.JoinAll(ctx, connID, ident, ""); err != nil {
		log.Printf("gateway: join-all at connect user=%s: %v", ident.UserID, err)
		g.emitError(connID, ident.UserID, "", protocol.CodeInternal, "room listing failed")
	}

	if count == 1 {
		g.tracker.OnFirstConnect(ctx, ident.UserID, seq)
	}

	metrics.RoomsTotal.Set(float64(g.rooms.RoomCount()))

	if err := g.bcast.EmitTo(connID, protocol.TypeConnected, protocol.ConnectedMsg{
		UserID: ident.UserID,
	}); err != nil {
		log.Printf("gateway: send connected to conn=%s: %v", connID, err)
	}

	log.Printf("gateway: connected conn=%s user=%s kind=%s", connID, ident.UserID, ident.Kind)
	return ident, nil
}

func (g *Gateway) countAuthFailure(err error) {
	switch {
	case errors.Is(err, identity.ErrMissingCredentials):
		metrics.AuthFailures.WithLabelValues("missing").Inc()
	case errors.Is(err, identity.ErrUnknownParticipant):
		metrics.AuthFailures.WithLabelValues("unknown_participant").Inc()
	default:
		metrics.AuthFailures.WithLabelValues("invalid").Inc()
	}
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, identity.ErrMissingCredentials):
		return "no credentials supplied"
	case errors.Is(err, identity.ErrUnknownParticipant):
		return "unknown participant"
	default:
		return "invalid credentials"
	}
}

// Disconnect tears down a connection's in-memory state: room membership,
// registry entry, and presence when this was the user's last connection. It is idempotent and always completes the in-memory cleanup
// even if the presence store is unreachable.
func (g *Gateway) Disconnect(connID string) {
	g.rooms.Forget(connID)
	metrics.RoomsTotal.Set(float64(g.rooms.RoomCount()))

	ident, remaining, seq, ok := g.registry.Unregister(connID)
	if !ok {
		// Disconnect raced with a failed handshake; nothing was registered.
		return
	}

	if remaining == 0 {
		ctx, cancel := g.callCtx()
		defer cancel()
		g.tracker.OnLastDisconnect(ctx, ident.UserID, seq)
	}

	log.Printf("gateway: disconnected conn=%s user=%s remaining=%d", connID, ident.UserID, remaining)
}

// notifyPresence broadcasts a presence transition to the user's personal
// room and mirrors it onto the event feed.
func (g *Gateway) notifyPresence(userID string, online bool, at time.Time) {
	roomKey := UserRoom(userID)
	if online {
		metrics.PresenceTransitions.WithLabelValues("online").Inc()
		g.bcast.Emit(roomKey, protocol.TypeUserOnline, protocol.UserOnlineMsg{
			UserID:    userID,
			Timestamp: at.Unix(),
		})
	} else {
		metrics.PresenceTransitions.WithLabelValues("offline").Inc()
		g.bcast.Emit(roomKey, protocol.TypeUserOffline, protocol.UserOfflineMsg{
			UserID:    userID,
			Timestamp: at.Unix(),
		})
	}
	g.publish(events.Event{
		Type:   events.TypePresenceChanged,
		Room:   roomKey,
		UserID: userID,
		Ts:     at.Unix(),
	})
}

// ---------------------------------------------------------------------------
// Room membership
// ---------------------------------------------------------------------------

// JoinRoom subscribes the connection to a chat room after re-checking
// authorization, confirms to the actor, and announces the join to the other
// room members.
func (g *Gateway) JoinRoom(connID, chatID string) {
	ident, ok := g.registry.LookupByConnection(connID)
	if !ok {
		return
	}
	ctx, cancel := g.callCtx()
	defer cancel()

	roomKey := ChatRoom(chatID)
	if err := g.rooms.Join(ctx, connID, ident, roomKey); err != nil {
		if errors.Is(err, ErrRoomDenied) {
			g.emitError(connID, ident.UserID, chatID, protocol.CodeAccessDenied, "not a member of this chat")
		} else {
			log.Printf("gateway: join room=%s conn=%s: %v", roomKey, connID, err)
			g.emitError(connID, ident.UserID, chatID, protocol.CodeInternal, "room join failed")
		}
		return
	}
	metrics.RoomsTotal.Set(float64(g.rooms.RoomCount()))

	if err := g.bcast.EmitTo(connID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		Rooms: []string{roomKey},
	}); err != nil {
		log.Printf("gateway: confirm join room=%s conn=%s: %v", roomKey, connID, err)
	}

	g.bcast.EmitExcept(roomKey, connID, protocol.TypeUserJoinedChat, protocol.UserJoinedChatMsg{
		ChatID: chatID,
		UserID: ident.UserID,
	})
	g.publish(events.Event{
		Type:   events.TypeUserJoinedRoom,
		Room:   roomKey,
		ChatID: chatID,
		UserID: ident.UserID,
	})
}

// LeaveRoom unsubscribes the connection from a chat room and announces the
// departure to the remaining members. Leaving an unjoined room is a no-op.
func (g *Gateway) LeaveRoom(connID, chatID string) {
	ident, ok := g.registry.LookupByConnection(connID)
	if !ok {
		return
	}

	roomKey := ChatRoom(chatID)
	if !g.rooms.InRoom(connID, roomKey) {
		return
	}
	g.rooms.Leave(connID, roomKey)
	metrics.RoomsTotal.Set(float64(g.rooms.RoomCount()))

	g.bcast.EmitExcept(roomKey, connID, protocol.TypeUserLeftChat, protocol.UserLeftChatMsg{
		ChatID: chatID,
		UserID: ident.UserID,
	})
	g.publish(events.Event{
		Type:   events.TypeUserLeftRoom,
		Room:   roomKey,
		ChatID: chatID,
		UserID: ident.UserID,
	})
}

// JoinAllRooms bulk-subscribes the connection to every chat room its
// identity is a party to, optionally narrowed to one project, and confirms
// the set of rooms joined.
func (g *Gateway) JoinAllRooms(connID, projectID string) {
	ident, ok := g.registry.LookupByConnection(connID)
	if !ok {
		return
	}
	ctx, cancel := g.callCtx()
	defer cancel()

	joined, err := g.rooms.JoinAll(ctx, connID, ident, projectID)
	if err != nil {
		log.Printf("gateway: join-all conn=%s user=%s: %v", connID, ident.UserID, err)
		g.emitError(connID, ident.UserID, "", protocol.CodeInternal, "room listing failed")
		return
	}
	metrics.RoomsTotal.Set(float64(g.rooms.RoomCount()))

	if err := g.bcast.EmitTo(connID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		Rooms: joined,
	}); err != nil {
		log.Printf("gateway: confirm join-all conn=%s: %v", connID, err)
	}
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// SendMessage runs the intake pipeline for one submitted message and, on
// success, broadcasts it to the chat room and the event feed. The broadcast
// happens regardless of whether the submitting connection is still alive:
// once persisted, the message is delivered.
func (g *Gateway) SendMessage(connID string, m protocol.SendMessageMsg) {
	ident, ok := g.registry.LookupByConnection(connID)
	if !ok {
		return
	}
	ctx, cancel := g.callCtx()
	defer cancel()

	start := time.Now()
	msg, err := g.intake.Submit(ctx, ident.UserID, m.ChatID, m.Content, m.MsgType, m.Metadata)
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			if rej.Code == protocol.CodeMessageSpam {
				metrics.MessagesTotal.WithLabelValues("throttled").Inc()
				log.Printf("gateway: throttled user=%s chat=%s", ident.UserID, m.ChatID)
			} else {
				metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			}
			g.emitError(connID, ident.UserID, m.ChatID, rej.Code, rej.Reason)
			return
		}
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("gateway: submit user=%s chat=%s: %v", ident.UserID, m.ChatID, err)
		g.emitError(connID, ident.UserID, m.ChatID, protocol.CodeInternal, "message could not be delivered")
		return
	}
	metrics.IntakeLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("delivered").Inc()

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("gateway: marshal message %s: %v", msg.ID, err)
		return
	}

	roomKey := ChatRoom(m.ChatID)
	g.bcast.Emit(roomKey, protocol.TypeNewMessage, protocol.NewMessageMsg{
		ChatID:  m.ChatID,
		Message: payload,
	})
	g.publish(events.Event{
		Type:    events.TypeMessageCreated,
		Room:    roomKey,
		ChatID:  m.ChatID,
		UserID:  ident.UserID,
		Payload: payload,
		Ts:      msg.CreatedAt.Unix(),
	})
}

// MarkRead marks every message in the chat addressed to the caller as read
// and notifies the room. Access is re-checked against the chat record.
func (g *Gateway) MarkRead(connID, chatID string) {
	ident, ok := g.registry.LookupByConnection(connID)
	if !ok {
		return
	}
	ctx, cancel := g.callCtx()
	defer cancel()

	chat, err := g.store.FindChatByID(ctx, chatID)
	if err != nil {
		log.Printf("gateway: mark-read chat lookup %s: %v", chatID, err)
		g.emitError(connID, ident.UserID, chatID, protocol.CodeInternal, "mark as read failed")
		return
	}
	if chat == nil {
		g.emitError(connID, ident.UserID, chatID, protocol.CodeNotFound, "chat not found")
		return
	}
	if !chat.IsMember(ident.UserID) {
		g.emitError(connID, ident.UserID, chatID, protocol.CodeAccessDenied, "not a member of this chat")
		return
	}

	if err := g.store.MarkChatRead(ctx, chatID, ident.UserID); err != nil {
		log.Printf("gateway: mark-read chat=%s user=%s: %v", chatID, ident.UserID, err)
		g.emitError(connID, ident.UserID, chatID, protocol.CodeInternal, "mark as read failed")
		return
	}

	now := time.Now()
	roomKey := ChatRoom(chatID)
	g.bcast.Emit(roomKey, protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		ChatID:    chatID,
		ReadBy:    ident.UserID,
		Timestamp: now.Unix(),
	})
	g.publish(events.Event{
		Type:   events.TypeMessagesRead,
		Room:   roomKey,
		ChatID: chatID,
		UserID: ident.UserID,
		Ts:     now.Unix(),
	})
}

// Typing relays a typing indicator to the chat room, excluding the actor.
// The connection must already be in the room; typing never touches the
// store.
func (g *Gateway) Typing(connID, chatID string, isTyping bool) {
	ident, ok := g.registry.LookupByConnection(connID)
	if !ok {
		return
	}
	roomKey := ChatRoom(chatID)
	if !g.rooms.InRoom(connID, roomKey) {
		g.emitError(connID, ident.UserID, chatID, protocol.CodeAccessDenied, "not joined to this chat")
		return
	}

	g.bcast.EmitExcept(roomKey, connID, protocol.TypeUserTyping, protocol.UserTypingMsg{
		ChatID:   chatID,
		UserID:   ident.UserID,
		IsTyping: isTyping,
	})
	g.publish(events.Event{
		Type:   events.TypeTypingChanged,
		Room:   roomKey,
		ChatID: chatID,
		UserID: ident.UserID,
	})
}

// ---------------------------------------------------------------------------
// Transport wiring
// ---------------------------------------------------------------------------

// Attach wires the gateway's handlers onto the WebSocket server and message
// dispatcher. Connections failing identity resolution are closed after the
// terminal error event.
func (g *Gateway) Attach(server *ws.Server, d *ws.MessageDispatcher) {
	server.SetOnConnect(func(conn *ws.Connection) {
		if _, err := g.Connect(conn.ID, conn.Credentials); err != nil {
			log.Printf("gateway: handshake rejected conn=%s: %v", conn.ID, err)
			server.RemoveConnection(conn)
		}
	})
	server.SetOnDisconnect(g.Disconnect)

	d.Register(protocol.TypeJoinRoom, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.JoinRoomMsg); ok {
			g.JoinRoom(conn.ID, m.ChatID)
		}
	})
	d.Register(protocol.TypeLeaveRoom, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.LeaveRoomMsg); ok {
			g.LeaveRoom(conn.ID, m.ChatID)
		}
	})
	d.Register(protocol.TypeJoinAllRooms, func(conn *ws.Connection, msg interface{}) {
		if _, ok := msg.(protocol.JoinAllRoomsMsg); ok {
			g.JoinAllRooms(conn.ID, "")
		}
	})
	d.Register(protocol.TypeJoinProjectRooms, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.JoinProjectRoomsMsg); ok {
			g.JoinAllRooms(conn.ID, m.ProjectID)
		}
	})
	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.SendMessageMsg); ok {
			g.SendMessage(conn.ID, m)
		}
	})
	d.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.MarkReadMsg); ok {
			g.MarkRead(conn.ID, m.ChatID)
		}
	})
	d.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			g.Typing(conn.ID, m.ChatID, m.IsTyping)
		}
	})
}
