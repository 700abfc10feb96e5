// Package gateway implements the realtime core: the connection registry,
// room membership, message intake, spam guard, and broadcast fan-out, plus
// the event handlers that glue them to the WebSocket transport.
package gateway

import (
	"sync"

	"github.com/talkwire/chat-gateway/internal/identity"
)

// Registry is the source of truth mapping live connection ids to resolved
// identities. All mutations funnel through one mutex so that the
// "was this the user's first/last connection" checks are atomic with respect
// to concurrent connects and disconnects from the same user's other devices.
type Registry struct {
	mu     sync.Mutex
	byConn map[string]identity.Identity
	byUser map[string]map[string]struct{} // userID -> set of connection ids
	seq    uint64                         // presence transition sequence, bumped under mu
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]identity.Identity),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Register records the identity for a connection and returns the number of
// live connections the user has after the insert. A count of 1 means this
// was the user's first connection; seq is then the decision's place in the
// user's presence transition order, so a later disconnect decided after this
// point carries a larger seq. Registering an already-known connection id
// overwrites the stale mapping.
func (r *Registry) Register(connID string, ident identity.Identity) (count int, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok {
		r.dropUserConn(prev.UserID, connID)
	}

	r.byConn[connID] = ident
	conns, ok := r.byUser[ident.UserID]
	if !ok {
		conns = make(map[string]struct{})
		r.byUser[ident.UserID] = conns
	}
	conns[connID] = struct{}{}
	count = len(conns)
	if count == 1 {
		r.seq++
		seq = r.seq
	}
	return count, seq
}

// Unregister removes a connection and returns its identity along with the
// number of connections the user still has. A remaining count of 0 means
// this was the user's last connection; seq then orders the decision against
// concurrent reconnects the same way Register does. Unregistering an
// unknown connection id is a no-op returning ok=false; disconnects
// legitimately race with failed handshakes.
func (r *Registry) Unregister(connID string) (ident identity.Identity, remaining int, seq uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok = r.byConn[connID]
	if !ok {
		return identity.Identity{}, 0, 0, false
	}
	delete(r.byConn, connID)
	r.dropUserConn(ident.UserID, connID)
	remaining = len(r.byUser[ident.UserID])
	if remaining == 0 {
		r.seq++
		seq = r.seq
	}
	return ident, remaining, seq, true
}

// dropUserConn removes one connection from a user's set, deleting the set
// when it empties. Caller holds the mutex.
func (r *Registry) dropUserConn(userID, connID string) {
	conns, ok := r.byUser[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, userID)
	}
}

// LookupByConnection returns the identity registered for a connection.
func (r *Registry) LookupByConnection(connID string) (identity.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.byConn[connID]
	return ident, ok
}

// ConnectionsForUser returns a snapshot of the user's live connection ids.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Count returns the total number of registered connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
