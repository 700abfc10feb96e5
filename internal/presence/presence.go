// Package presence tracks per-user online state: online iff at least one
// live connection maps to the user. The Tracker owns the transitions; the
// Store port persists them so other services can read presence, with a
// Redis-backed implementation as the default.
package presence

import (
	"context"
	"log"
	"sync"
	"time"
)

// Status is one user's presence. LastSeen is only meaningful while offline.
type Status struct {
	Online   bool
	LastSeen time.Time
}

// Store is the presence store port.
type Store interface {
	// SetOnline marks the user online, clearing last-seen.
	SetOnline(ctx context.Context, userID string) error

	// SetOffline marks the user offline as of lastSeen.
	SetOffline(ctx context.Context, userID string, lastSeen time.Time) error

	// Get returns the user's presence. An unknown user is offline with a
	// zero LastSeen.
	Get(ctx context.Context, userID string) (Status, error)

	// ResetAll forces every user offline. Called once at process start so
	// no stale "online" survives a restart with no live connections.
	ResetAll(ctx context.Context) error
}

// Notifier receives presence transitions for broadcast to the user's
// personal room and the event feed.
type Notifier func(userID string, online bool, at time.Time)

// Tracker applies presence transitions. Callers decide when a transition is
// due (only the connection registry knows whether a connect was the user's
// first or a disconnect their last), so Tracker methods are fired exactly on
// those edges, each carrying the seq the registry issued at decision time.
// Transitions for one user are applied through a per-user gate in seq order:
// a transition decided before one that has already been applied is dropped,
// so a slow offline write can never overwrite a newer online. Store failures
// are logged and do not block the in-memory transition: the process's own
// view stays consistent even if external persistence lags.
type Tracker struct {
	store  Store
	notify Notifier
	now    func() time.Time

	mu    sync.Mutex
	gates map[string]*transitionGate
}

// transitionGate serializes one user's transitions. Gates are never
// evicted; one small entry per user id seen.
type transitionGate struct {
	mu          sync.Mutex
	lastApplied uint64
}

// NewTracker creates a Tracker persisting via store and announcing
// transitions via notify (which may be nil).
func NewTracker(store Store, notify Notifier) *Tracker {
	return &Tracker{
		store:  store,
		notify: notify,
		now:    time.Now,
		gates:  make(map[string]*transitionGate),
	}
}

func (t *Tracker) gate(userID string) *transitionGate {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[userID]
	if !ok {
		g = &transitionGate{}
		t.gates[userID] = g
	}
	return g
}

// OnFirstConnect handles the user's first live connection appearing. seq is
// the transition sequence issued by the connection registry when it decided
// the connect was the user's first.
func (t *Tracker) OnFirstConnect(ctx context.Context, userID string, seq uint64) {
	t.apply(ctx, userID, true, seq)
}

// OnLastDisconnect handles the user's last live connection closing. seq is
// the transition sequence issued by the connection registry when it decided
// the disconnect was the user's last.
func (t *Tracker) OnLastDisconnect(ctx context.Context, userID string, seq uint64) {
	t.apply(ctx, userID, false, seq)
}

func (t *Tracker) apply(ctx context.Context, userID string, online bool, seq uint64) {
	g := t.gate(userID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if seq <= g.lastApplied {
		// A transition decided later has already been applied; this one
		// is stale and must not land.
		log.Printf("presence: dropping stale transition user=%s online=%t seq=%d", userID, online, seq)
		return
	}
	g.lastApplied = seq

	at := t.now()
	if online {
		if err := t.store.SetOnline(ctx, userID); err != nil {
			log.Printf("presence: set online user=%s: %v", userID, err)
		}
	} else {
		if err := t.store.SetOffline(ctx, userID, at); err != nil {
			log.Printf("presence: set offline user=%s: %v", userID, err)
		}
	}
	if t.notify != nil {
		t.notify(userID, online, at)
	}
}

// Get returns the user's persisted presence.
func (t *Tracker) Get(ctx context.Context, userID string) (Status, error) {
	return t.store.Get(ctx, userID)
}

// ResetAll forces all persisted presence offline. Startup-only.
func (t *Tracker) ResetAll(ctx context.Context) error {
	return t.store.ResetAll(ctx)
}
