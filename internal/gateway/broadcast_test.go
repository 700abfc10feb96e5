package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/talkwire/chat-gateway/internal/protocol"
)

// staticRooms is a fixed room membership for broadcast tests.
type staticRooms map[string][]string

func (r staticRooms) Members(roomKey string) []string { return r[roomKey] }

// frameRecorder captures frames per connection in delivery order.
type frameRecorder struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]bool
}

func newFrameRecorder() *frameRecorder {
	return &frameRecorder{
		frames: make(map[string][][]byte),
		fail:   make(map[string]bool),
	}
}

func (r *frameRecorder) send(connID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[connID] {
		return errors.New("connection reset")
	}
	r.frames[connID] = append(r.frames[connID], data)
	return nil
}

func (r *frameRecorder) types(t *testing.T, connID string) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, data := range r.frames[connID] {
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("frame for %s is not JSON: %v", connID, err)
		}
		out = append(out, m.Type)
	}
	return out
}

func TestEmitReachesEveryMember(t *testing.T) {
	rec := newFrameRecorder()
	b := NewBroadcaster(staticRooms{"chat_ch1": {"c1", "c2", "c3"}}, rec.send)

	b.Emit("chat_ch1", protocol.TypeUserTyping, protocol.UserTypingMsg{
		ChatID: "ch1", UserID: "alice", IsTyping: true,
	})

	for _, connID := range []string{"c1", "c2", "c3"} {
		got := rec.types(t, connID)
		if len(got) != 1 || got[0] != protocol.TypeUserTyping {
			t.Errorf("conn %s frames = %v, want [user_typing]", connID, got)
		}
	}
}

func TestEmitScopedToRoom(t *testing.T) {
	rec := newFrameRecorder()
	b := NewBroadcaster(staticRooms{
		"chat_ch1": {"c1"},
		"chat_ch2": {"c2"},
	}, rec.send)

	b.Emit("chat_ch1", protocol.TypeNewMessage, protocol.NewMessageMsg{ChatID: "ch1"})

	if got := rec.types(t, "c2"); len(got) != 0 {
		t.Errorf("conn in other room received %v", got)
	}
}

func TestEmitExceptSkipsActor(t *testing.T) {
	rec := newFrameRecorder()
	b := NewBroadcaster(staticRooms{"chat_ch1": {"c1", "c2"}}, rec.send)

	b.EmitExcept("chat_ch1", "c1", protocol.TypeUserJoinedChat, protocol.UserJoinedChatMsg{
		ChatID: "ch1", UserID: "alice",
	})

	if got := rec.types(t, "c1"); len(got) != 0 {
		t.Errorf("excluded conn received %v", got)
	}
	if got := rec.types(t, "c2"); len(got) != 1 {
		t.Errorf("conn c2 frames = %v, want 1", got)
	}
}

func TestEmitDropsDeadConnections(t *testing.T) {
	rec := newFrameRecorder()
	rec.fail["c2"] = true
	b := NewBroadcaster(staticRooms{"chat_ch1": {"c1", "c2", "c3"}}, rec.send)

	b.Emit("chat_ch1", protocol.TypePong, protocol.PongMsg{})

	if got := rec.types(t, "c1"); len(got) != 1 {
		t.Errorf("c1 frames = %v, want 1", got)
	}
	if got := rec.types(t, "c3"); len(got) != 1 {
		t.Errorf("c3 frames = %v, want 1 despite c2 failure", got)
	}
}

func TestEmitOrderingPerRoom(t *testing.T) {
	rec := newFrameRecorder()
	b := NewBroadcaster(staticRooms{"chat_ch1": {"c1", "c2"}}, rec.send)

	// Fire emits from many goroutines; every member must observe the same
	// relative order of the two frame types it got from any one goroutine.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit("chat_ch1", protocol.TypeNewMessage, protocol.NewMessageMsg{ChatID: "ch1"})
			b.Emit("chat_ch1", protocol.TypeMessagesRead, protocol.MessagesReadMsg{ChatID: "ch1"})
		}()
	}
	wg.Wait()

	t1 := rec.types(t, "c1")
	t2 := rec.types(t, "c2")
	if len(t1) != 100 || len(t2) != 100 {
		t.Fatalf("frame counts = %d, %d, want 100 each", len(t1), len(t2))
	}
	for i := range t1 {
		if t1[i] != t2[i] {
			t.Fatalf("delivery order diverged at %d: c1=%s c2=%s", i, t1[i], t2[i])
		}
	}
}

func TestEmitToInjectsType(t *testing.T) {
	rec := newFrameRecorder()
	b := NewBroadcaster(staticRooms{}, rec.send)

	if err := b.EmitTo("c1", protocol.TypeConnected, protocol.ConnectedMsg{UserID: "alice"}); err != nil {
		t.Fatalf("EmitTo() error: %v", err)
	}

	rec.mu.Lock()
	frame := rec.frames["c1"][0]
	rec.mu.Unlock()

	var m map[string]interface{}
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if m["type"] != protocol.TypeConnected {
		t.Errorf("type = %v, want connected", m["type"])
	}
	if m["user_id"] != "alice" {
		t.Errorf("user_id = %v, want alice", m["user_id"])
	}
}

func TestEmitError(t *testing.T) {
	rec := newFrameRecorder()
	b := NewBroadcaster(staticRooms{}, rec.send)

	b.EmitError("c1", protocol.CodeAccessDenied, "not a member")

	rec.mu.Lock()
	frame := rec.frames["c1"][0]
	rec.mu.Unlock()

	var m protocol.ErrorMsg
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if m.Type != protocol.TypeError || m.Code != protocol.CodeAccessDenied {
		t.Errorf("error frame = %+v", m)
	}
}
