package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Counter is a fixed-window request counter.
type Counter struct {
	Count   int       `json:"count"`
	ResetAt time.Time `json:"reset_at"`
}

// advance applies one request to c. A missing or expired counter restarts
// at 1. A counter at limit is returned unchanged and the request denied.
func advance(c *Counter, limit int, window time.Duration, now time.Time) (Counter, bool) {
	if c == nil || now.After(c.ResetAt) {
		return Counter{Count: 1, ResetAt: now.Add(window)}, true
	}
	if c.Count >= limit {
		return *c, false
	}
	return Counter{Count: c.Count + 1, ResetAt: c.ResetAt}, true
}

// CounterStore holds rate-limit counters. Hit must apply advance atomically
// with respect to other callers using the same key.
type CounterStore interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Counter, bool, error)
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed bool
	Limit   int
	Count   int
	ResetAt time.Time
}

// Remaining returns how many requests are left in the window.
func (d Decision) Remaining() int {
	if r := d.Limit - d.Count; r > 0 {
		return r
	}
	return 0
}

// RateLimiter limits actions per (user, client, action).
type RateLimiter struct {
	store CounterStore
	audit AuditSink
	now   func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateLimitClock overrides the time source.
func WithRateLimitClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a limiter over store. audit may be nil.
func NewRateLimiter(store CounterStore, audit AuditSink, opts ...RateLimiterOption) *RateLimiter {
	if audit == nil {
		audit = MultiAuditSink(nil)
	}
	l := &RateLimiter{store: store, audit: audit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func counterKey(sc *Context, action string) string {
	return sc.UserID + "\x00" + sc.ClientID + "\x00" + action
}

// Err returns the audited ErrRateLimited for a denied decision and nil
// otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return Audited(ErrRateLimited)
}

// CheckRateLimit reports whether the action is allowed and counts it.
// Store failures are returned as errors; callers deny on error.
func (l *RateLimiter) CheckRateLimit(ctx context.Context, sc *Context, action string, limit int, window time.Duration) (bool, error) {
	d, err := l.Check(ctx, sc, action, limit, window)
	return d.Allowed, err
}

// Check is CheckRateLimit with the full decision. Denials are audited at warn.
func (l *RateLimiter) Check(ctx context.Context, sc *Context, action string, limit int, window time.Duration) (Decision, error) {
	if sc == nil {
		return Decision{}, ErrUnauthorized
	}
	if limit < 1 || window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit %d per %s", limit, window)
	}

	now := l.now()
	c, allowed, err := l.store.Hit(ctx, counterKey(sc, action), limit, window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit store: %w", err)
	}

	d := Decision{Allowed: allowed, Limit: limit, Count: c.Count, ResetAt: c.ResetAt}
	if !allowed {
		l.audit.Record(ctx, AuditEvent{
			Event:    EventRateLimitExceeded,
			Severity: SeverityWarn,
			Time:     now,
			Details: map[string]any{
				"action":   action,
				"limit":    limit,
				"window":   window.String(),
				"reset_at": c.ResetAt,
			},
		}.withContext(sc))
	}
	return d, nil
}

// MemoryCounterStore keeps counters in process memory. Counters are only
// shared within one instance.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]Counter
}

var _ CounterStore = (*MemoryCounterStore)(nil)

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]Counter)}
}

func (m *MemoryCounterStore) Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Counter, bool, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *Counter
	if c, ok := m.counters[key]; ok {
		current = &c
	}
	next, allowed := advance(current, limit, window, now)
	m.counters[key] = next
	return next, allowed, nil
}

// Sweep drops counters whose window ended before now and returns how many
// were removed.
func (m *MemoryCounterStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, c := range m.counters {
		if now.After(c.ResetAt) {
			delete(m.counters, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live counters.
func (m *MemoryCounterStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// RunJanitor sweeps every interval until ctx is done.
func (m *MemoryCounterStore) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// ErrCounterContention is returned when a shared counter could not be
// updated after repeated compare-and-swap conflicts.
var ErrCounterContention = errors.New("rate limit counter contention")
