package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

// countFunc adapts a function to the recentCounter interface.
type countFunc func(ctx context.Context, userID string, window time.Duration) (int, error)

func (f countFunc) CountRecentMessagesBySender(ctx context.Context, userID string, window time.Duration) (int, error) {
	return f(ctx, userID, window)
}

func fixedCount(n int) countFunc {
	return func(context.Context, string, time.Duration) (int, error) { return n, nil }
}

func newTestGuard(store recentCounter, at time.Time) (*SpamGuard, *time.Time) {
	g := NewSpamGuard(DefaultSpamGuardConfig(), store)
	now := at
	g.now = func() time.Time { return now }
	return g, &now
}

func TestCheckUnderThreshold(t *testing.T) {
	g, _ := newTestGuard(fixedCount(29), time.Now())

	remaining, err := g.Check(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("Check() remaining = %s, want 0", remaining)
	}
	if g.Throttled("alice") {
		t.Error("Throttled() = true under threshold")
	}
}

func TestCheckThresholdInstallsTimeout(t *testing.T) {
	calls := 0
	store := countFunc(func(context.Context, string, time.Duration) (int, error) {
		calls++
		return 30, nil
	})
	g, now := newTestGuard(store, time.Now())
	ctx := context.Background()

	remaining, err := g.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if remaining != 20*time.Second {
		t.Fatalf("Check() remaining = %s, want 20s", remaining)
	}

	// While throttled, checks are answered from the timeout map without
	// re-querying the store.
	*now = now.Add(5 * time.Second)
	remaining, err = g.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("second Check() error: %v", err)
	}
	if remaining != 15*time.Second {
		t.Errorf("second Check() remaining = %s, want 15s", remaining)
	}
	if calls != 1 {
		t.Errorf("store queried %d times, want 1", calls)
	}
}

func TestCheckTimeoutExpires(t *testing.T) {
	counts := 30
	store := countFunc(func(context.Context, string, time.Duration) (int, error) {
		return counts, nil
	})
	g, now := newTestGuard(store, time.Now())
	ctx := context.Background()

	if remaining, _ := g.Check(ctx, "alice"); remaining == 0 {
		t.Fatal("expected throttle at threshold")
	}

	// Past expiry the entry is swept and the count, now back under the
	// threshold, allows the send.
	*now = now.Add(21 * time.Second)
	counts = 3
	remaining, err := g.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("Check() after expiry error: %v", err)
	}
	if remaining != 0 {
		t.Errorf("Check() after expiry remaining = %s, want 0", remaining)
	}
	if g.Throttled("alice") {
		t.Error("Throttled() = true after expiry")
	}
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	g, _ := newTestGuard(countFunc(func(context.Context, string, time.Duration) (int, error) {
		return 0, storeErr
	}), time.Now())

	remaining, err := g.Check(context.Background(), "alice")
	if !errors.Is(err, storeErr) {
		t.Fatalf("Check() error = %v, want store error", err)
	}
	if remaining != 0 {
		t.Errorf("Check() remaining = %s, want 0 (fail open)", remaining)
	}
}

func TestCheckPerUserIsolation(t *testing.T) {
	g, _ := newTestGuard(countFunc(func(_ context.Context, userID string, _ time.Duration) (int, error) {
		if userID == "spammer" {
			return 100, nil
		}
		return 1, nil
	}), time.Now())
	ctx := context.Background()

	if remaining, _ := g.Check(ctx, "spammer"); remaining == 0 {
		t.Fatal("expected spammer throttled")
	}
	if remaining, _ := g.Check(ctx, "alice"); remaining != 0 {
		t.Errorf("alice throttled by spammer's timeout: %s", remaining)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	g, now := newTestGuard(fixedCount(30), time.Now())
	ctx := context.Background()

	g.Check(ctx, "u1")
	g.Check(ctx, "u2")
	if len(g.timeouts) != 2 {
		t.Fatalf("timeouts = %d entries, want 2", len(g.timeouts))
	}

	*now = now.Add(time.Minute)
	g.Check(ctx, "u3")
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.timeouts["u1"]; ok {
		t.Error("expired u1 entry not swept")
	}
	if _, ok := g.timeouts["u2"]; ok {
		t.Error("expired u2 entry not swept")
	}
}
