package gateway

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/talkwire/chat-gateway/internal/chatstore"
	"github.com/talkwire/chat-gateway/internal/protocol"
)

func newTestIntake(store *fakeStore) *Intake {
	return NewIntake(DefaultIntakeConfig(), store, NewSpamGuard(DefaultSpamGuardConfig(), store))
}

func rejectionCode(t *testing.T, err error) string {
	t.Helper()
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want *Rejection", err)
	}
	return rej.Code
}

func TestSubmitTextMessage(t *testing.T) {
	store := newFakeStore(activeChat("ch1", "alice", "bob"))
	in := newTestIntake(store)

	msg, err := in.Submit(context.Background(), "alice", "ch1", "hello", "", nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if msg.ID == "" {
		t.Error("Submit() returned message without id")
	}
	if msg.Type != chatstore.MessageText {
		t.Errorf("Submit() type = %q, want TEXT", msg.Type)
	}
	if len(store.touched) != 1 || store.touched[0] != "ch1" {
		t.Errorf("touched = %v, want [ch1]", store.touched)
	}
}

func TestSubmitRejections(t *testing.T) {
	inactive := activeChat("ch2", "alice", "bob")
	inactive.Active = false

	tests := []struct {
		name     string
		senderID string
		chatID   string
		content  string
		msgType  string
		meta     *protocol.MessageMetadata
		wantCode string
	}{
		{"absent chat", "alice", "missing", "hi", "", nil, protocol.CodeNotFound},
		{"non-member sender", "mallory", "ch1", "hi", "", nil, protocol.CodeAccessDenied},
		{"inactive chat", "alice", "ch2", "hi", "", nil, protocol.CodeChatInactive},
		{"empty content", "alice", "ch1", "", "", nil, protocol.CodeInvalidContent},
		{"invalid utf8", "alice", "ch1", string([]byte{0xff, 0xfe}), "", nil, protocol.CodeInvalidContent},
		{"too long", "alice", "ch1", strings.Repeat("x", 1001), "", nil, protocol.CodeInvalidContent},
		{"unknown type", "alice", "ch1", "hi", "VIDEO", nil, protocol.CodeInvalidContent},
		{"image without url", "alice", "ch1", "pic", chatstore.MessageImage, nil, protocol.CodeInvalidContent},
		{
			"image with non-image name", "alice", "ch1", "pic", chatstore.MessageImage,
			&protocol.MessageMetadata{FileURL: "https://cdn/x", FileName: "doc.pdf"},
			protocol.CodeInvalidContent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(activeChat("ch1", "alice", "bob"), inactive)
			in := newTestIntake(store)

			_, err := in.Submit(context.Background(), tt.senderID, tt.chatID, tt.content, tt.msgType, tt.meta)
			if got := rejectionCode(t, err); got != tt.wantCode {
				t.Errorf("Submit() code = %q, want %q", got, tt.wantCode)
			}
			if len(store.messages) != 0 {
				t.Error("rejected message was persisted")
			}
		})
	}
}

func TestSubmitContentAtLimit(t *testing.T) {
	store := newFakeStore(activeChat("ch1", "alice", "bob"))
	in := newTestIntake(store)

	// Multi-byte runes count as characters, not bytes.
	content := strings.Repeat("é", 1000)
	if _, err := in.Submit(context.Background(), "alice", "ch1", content, "", nil); err != nil {
		t.Fatalf("Submit() at limit error: %v", err)
	}
}

func TestSubmitThrottled(t *testing.T) {
	store := newFakeStore(activeChat("ch1", "alice", "bob"))
	store.recentCount = 30
	in := newTestIntake(store)

	_, err := in.Submit(context.Background(), "alice", "ch1", "hi", "", nil)
	if got := rejectionCode(t, err); got != protocol.CodeMessageSpam {
		t.Fatalf("Submit() code = %q, want MESSAGE_SPAM", got)
	}
	var rej *Rejection
	errors.As(err, &rej)
	if !strings.Contains(rej.Reason, "20 seconds") {
		t.Errorf("Reason = %q, want remaining seconds", rej.Reason)
	}
	if len(store.messages) != 0 {
		t.Error("throttled message was persisted")
	}
}

func TestSubmitGuardFailsOpen(t *testing.T) {
	store := newFakeStore(activeChat("ch1", "alice", "bob"))
	store.countErr = errors.New("connection refused")
	in := newTestIntake(store)

	if _, err := in.Submit(context.Background(), "alice", "ch1", "hi", "", nil); err != nil {
		t.Fatalf("Submit() with guard outage error: %v", err)
	}
	if len(store.messages) != 1 {
		t.Fatalf("messages = %d, want 1 (guard fails open)", len(store.messages))
	}
}

func TestSubmitTypeInference(t *testing.T) {
	tests := []struct {
		name string
		meta *protocol.MessageMetadata
		want string
	}{
		{"no metadata", nil, chatstore.MessageText},
		{"image mime", &protocol.MessageMetadata{MimeType: "image/png", FileURL: "https://cdn/x", FileName: "a.png"}, chatstore.MessageImage},
		{"image extension", &protocol.MessageMetadata{FileURL: "https://cdn/x", FileName: "photo.JPG"}, chatstore.MessageImage},
		{"generic attachment", &protocol.MessageMetadata{FileURL: "https://cdn/x", FileName: "doc.pdf"}, chatstore.MessageFile},
		{"empty metadata", &protocol.MessageMetadata{}, chatstore.MessageText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(activeChat("ch1", "alice", "bob"))
			in := newTestIntake(store)

			msg, err := in.Submit(context.Background(), "alice", "ch1", "hi", "", tt.meta)
			if err != nil {
				t.Fatalf("Submit() error: %v", err)
			}
			if msg.Type != tt.want {
				t.Errorf("inferred type = %q, want %q", msg.Type, tt.want)
			}
		})
	}
}

func TestSubmitPersistenceFailureIsHardError(t *testing.T) {
	store := newFakeStore(activeChat("ch1", "alice", "bob"))
	store.createErr = errors.New("deadlock detected")
	in := newTestIntake(store)

	_, err := in.Submit(context.Background(), "alice", "ch1", "hi", "", nil)
	if err == nil {
		t.Fatal("Submit() with create failure returned nil")
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		t.Errorf("persistence failure reported as rejection %q", rej.Code)
	}
}

func TestSubmitStoreLookupFailureIsHardError(t *testing.T) {
	store := newFakeStore(activeChat("ch1", "alice", "bob"))
	store.findErr = errors.New("connection refused")
	in := newTestIntake(store)

	_, err := in.Submit(context.Background(), "alice", "ch1", "hi", "", nil)
	if err == nil {
		t.Fatal("Submit() with lookup failure returned nil")
	}
	var rej *Rejection
	if errors.As(err, &rej) {
		t.Errorf("lookup failure reported as rejection %q", rej.Code)
	}
}
