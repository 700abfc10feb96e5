package gateway

import (
	"testing"

	"github.com/talkwire/chat-gateway/internal/identity"
)

func op(userID string) identity.Identity {
	return identity.Identity{Kind: identity.KindOperator, UserID: userID}
}

func TestRegisterFirstConnection(t *testing.T) {
	r := NewRegistry()

	count, seq := r.Register("c1", op("alice"))
	if count != 1 {
		t.Fatalf("Register() count = %d, want 1", count)
	}
	if seq == 0 {
		t.Error("Register() seq = 0, want a transition sequence for a first connection")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestRegisterMultipleConnectionsSameUser(t *testing.T) {
	r := NewRegistry()

	r.Register("c1", op("alice"))
	count, seq := r.Register("c2", op("alice"))
	if count != 2 {
		t.Fatalf("second Register() count = %d, want 2", count)
	}
	if seq != 0 {
		t.Errorf("second Register() seq = %d, want 0 (no transition)", seq)
	}

	ident, remaining, seq, ok := r.Unregister("c1")
	if !ok {
		t.Fatal("Unregister(c1) ok = false, want true")
	}
	if ident.UserID != "alice" {
		t.Errorf("Unregister() user = %q, want %q", ident.UserID, "alice")
	}
	if remaining != 1 {
		t.Errorf("Unregister() remaining = %d, want 1", remaining)
	}
	if seq != 0 {
		t.Errorf("Unregister(c1) seq = %d, want 0 (not the last connection)", seq)
	}

	_, remaining, seq, ok = r.Unregister("c2")
	if !ok {
		t.Fatal("Unregister(c2) ok = false, want true")
	}
	if remaining != 0 {
		t.Errorf("last Unregister() remaining = %d, want 0", remaining)
	}
	if seq == 0 {
		t.Error("last Unregister() seq = 0, want a transition sequence")
	}
}

func TestUnregisterUnknownConnection(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", op("alice"))

	if _, _, _, ok := r.Unregister("nope"); ok {
		t.Error("Unregister(unknown) ok = true, want false")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() after unknown unregister = %d, want 1", got)
	}
}

func TestTransitionSequenceOrdersDecisions(t *testing.T) {
	r := NewRegistry()

	_, onSeq := r.Register("c1", op("alice"))
	_, _, offSeq, _ := r.Unregister("c1")
	_, reconnectSeq := r.Register("c2", op("alice"))

	if !(onSeq < offSeq && offSeq < reconnectSeq) {
		t.Errorf("seqs = %d, %d, %d, want strictly increasing in decision order",
			onSeq, offSeq, reconnectSeq)
	}
}

func TestRegisterOverwritesStaleEntry(t *testing.T) {
	r := NewRegistry()

	r.Register("c1", op("alice"))
	// Same connection id re-registered for another user replaces, not adds.
	r.Register("c1", op("bob"))

	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	ident, ok := r.LookupByConnection("c1")
	if !ok || ident.UserID != "bob" {
		t.Errorf("LookupByConnection() = %+v ok=%v, want bob", ident, ok)
	}
	if conns := r.ConnectionsForUser("alice"); len(conns) != 0 {
		t.Errorf("ConnectionsForUser(alice) = %v, want empty", conns)
	}
}

func TestLookupByConnection(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.LookupByConnection("c1"); ok {
		t.Error("LookupByConnection() on empty registry ok = true")
	}

	r.Register("c1", identity.Identity{
		Kind:                  identity.KindParticipant,
		UserID:                "u-42",
		ProjectID:             "p-1",
		ExternalParticipantID: "ext-9",
	})
	ident, ok := r.LookupByConnection("c1")
	if !ok {
		t.Fatal("LookupByConnection() ok = false")
	}
	if ident.Kind != identity.KindParticipant || ident.UserID != "u-42" || ident.ProjectID != "p-1" {
		t.Errorf("LookupByConnection() = %+v", ident)
	}
}

func TestConnectionsForUser(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", op("alice"))
	r.Register("c2", op("alice"))
	r.Register("c3", op("bob"))

	conns := r.ConnectionsForUser("alice")
	if len(conns) != 2 {
		t.Fatalf("ConnectionsForUser(alice) = %v, want 2 entries", conns)
	}
	seen := map[string]bool{}
	for _, c := range conns {
		seen[c] = true
	}
	if !seen["c1"] || !seen["c2"] {
		t.Errorf("ConnectionsForUser(alice) = %v, want c1 and c2", conns)
	}
}
