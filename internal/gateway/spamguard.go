package gateway

import (
	"context"
	"sync"
	"time"
)

// SpamGuardConfig holds the burst threshold and timeout tuning. The defaults
// carry the production policy but every value is overridable from the
// environment in cmd/gateway.
type SpamGuardConfig struct {
	Window      time.Duration // trailing window to count messages over
	MaxMessages int           // max messages in the window before throttling
	Timeout     time.Duration // how long a throttled sender stays blocked
}

// DefaultSpamGuardConfig returns the standard policy: 30 messages per
// trailing 60 seconds, 20 second timeout on violation.
func DefaultSpamGuardConfig() SpamGuardConfig {
	return SpamGuardConfig{
		Window:      60 * time.Second,
		MaxMessages: 30,
		Timeout:     20 * time.Second,
	}
}

// recentCounter is the slice of the message store the guard needs.
type recentCounter interface {
	CountRecentMessagesBySender(ctx context.Context, userID string, window time.Duration) (int, error)
}

// SpamGuard throttles message intake per sender. A sender exceeding the
// window threshold gets a timeout entry; while the timeout is active every
// check is rejected without re-querying the store. Expired entries are
// swept lazily on any check, so the map stays bounded without a background
// goroutine. At most one active timeout exists per user id.
type SpamGuard struct {
	config SpamGuardConfig
	store  recentCounter
	now    func() time.Time

	mu       sync.Mutex
	timeouts map[string]time.Time // userID -> timeout expiry
}

// NewSpamGuard creates a SpamGuard counting via store.
func NewSpamGuard(config SpamGuardConfig, store recentCounter) *SpamGuard {
	return &SpamGuard{
		config:   config,
		store:    store,
		now:      time.Now,
		timeouts: make(map[string]time.Time),
	}
}

// Check reports whether the user may send a message right now. A zero
// remaining duration means allowed; a positive one means throttled for that
// long. Store errors fail open, since a store outage must not block
// legitimate traffic, and are returned so the caller can log them.
func (g *SpamGuard) Check(ctx context.Context, userID string) (time.Duration, error) {
	now := g.now()

	g.mu.Lock()
	g.sweepLocked(now)
	if expiry, ok := g.timeouts[userID]; ok {
		remaining := expiry.Sub(now)
		g.mu.Unlock()
		return remaining, nil
	}
	g.mu.Unlock()

	count, err := g.store.CountRecentMessagesBySender(ctx, userID, g.config.Window)
	if err != nil {
		return 0, err
	}
	if count < g.config.MaxMessages {
		return 0, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// A concurrent check may have installed the timeout already; keep the
	// earlier expiry so a user never holds more than one active timeout.
	if expiry, ok := g.timeouts[userID]; ok {
		return expiry.Sub(now), nil
	}
	g.timeouts[userID] = now.Add(g.config.Timeout)
	return g.config.Timeout, nil
}

// sweepLocked evicts every expired timeout entry. Caller holds the mutex.
func (g *SpamGuard) sweepLocked(now time.Time) {
	for userID, expiry := range g.timeouts {
		if !expiry.After(now) {
			delete(g.timeouts, userID)
		}
	}
}

// Throttled reports whether the user currently has an active timeout,
// without consulting the store.
func (g *SpamGuard) Throttled(userID string) bool {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	expiry, ok := g.timeouts[userID]
	return ok && expiry.After(now)
}
