package security

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limiterContext(user, client string) *Context {
	return &Context{UserID: user, ClientID: client}
}

// exerciseFixedWindow checks the fixed-window contract for limit 3 per second.
func exerciseFixedWindow(t *testing.T, store CounterStore) {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	audit := NewRecordingAuditSink(16)
	l := NewRateLimiter(store, audit, WithRateLimitClock(clock.Now))
	sc := limiterContext("owner_1", "acme_co")
	window := 1000 * time.Millisecond

	start := clock.Now()
	for i := 1; i <= 3; i++ {
		d, err := l.Check(ctx, sc, "search", 3, window)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 3-i, d.Remaining())
		assert.True(t, start.Add(window).Equal(d.ResetAt))
		clock.Advance(100 * time.Millisecond)
	}

	allowed, err := l.CheckRateLimit(ctx, sc, "search", 3, window)
	require.NoError(t, err)
	assert.False(t, allowed, "fourth call in the window")

	events := audit.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, EventRateLimitExceeded, events[0].Event)
	assert.Equal(t, "search", events[0].Details["action"])

	// At exactly resetAt the window is still closed.
	clock.Advance(start.Add(window).Sub(clock.Now()))
	allowed, err = l.CheckRateLimit(ctx, sc, "search", 3, window)
	require.NoError(t, err)
	assert.False(t, allowed)

	clock.Advance(time.Millisecond)
	d, err := l.Check(ctx, sc, "search", 3, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
	assert.True(t, clock.Now().Add(window).Equal(d.ResetAt))

	// Keys are independent per user, client and action.
	for _, other := range []struct {
		sc     *Context
		action string
	}{
		{limiterContext("owner_2", "acme_co"), "search"},
		{limiterContext("owner_1", "other_co"), "search"},
		{sc, "ingest"},
	} {
		allowed, err := l.CheckRateLimit(ctx, other.sc, other.action, 3, window)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

// exerciseConcurrentHits checks that exactly limit concurrent callers pass.
func exerciseConcurrentHits(t *testing.T, store CounterStore) {
	t.Helper()
	l := NewRateLimiter(store, nil)
	sc := limiterContext("owner_1", "acme_co")

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.CheckRateLimit(context.Background(), sc, "ingest", 5, time.Minute)
			assert.NoError(t, err)
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestRateLimiter_MemoryFixedWindow(t *testing.T) {
	exerciseFixedWindow(t, NewMemoryCounterStore())
}

func TestRateLimiter_MemoryConcurrent(t *testing.T) {
	exerciseConcurrentHits(t, NewMemoryCounterStore())
}

func TestRateLimiter_NATSFixedWindow(t *testing.T) {
	js, err := startNATS(t).JetStream()
	require.NoError(t, err)
	store, err := NewNATSCounterStore(js, "RATE_WINDOW", time.Minute, nats.MemoryStorage)
	require.NoError(t, err)
	exerciseFixedWindow(t, store)
}

func TestRateLimiter_NATSConcurrent(t *testing.T) {
	js, err := startNATS(t).JetStream()
	require.NoError(t, err)
	store, err := NewNATSCounterStore(js, "RATE_CONCURRENT", time.Minute, nats.MemoryStorage)
	require.NoError(t, err)
	exerciseConcurrentHits(t, store)
}

func TestNATSCounterStore_SharedAcrossInstances(t *testing.T) {
	js, err := startNATS(t).JetStream()
	require.NoError(t, err)
	a, err := NewNATSCounterStore(js, "RATE_SHARED", time.Minute, nats.MemoryStorage)
	require.NoError(t, err)
	b, err := NewNATSCounterStore(js, "RATE_SHARED", time.Minute, nats.MemoryStorage)
	require.NoError(t, err)

	now := time.Now()
	_, allowed, err := a.Hit(context.Background(), "k", 2, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	c, allowed, err := b.Hit(context.Background(), "k", 2, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 2, c.Count)
	_, allowed, err = a.Hit(context.Background(), "k", 2, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, allowed)
}

type failingStore struct{ err error }

func (f failingStore) Hit(context.Context, string, int, time.Duration, time.Time) (Counter, bool, error) {
	return Counter{}, false, f.err
}

func TestRateLimiter_StoreErrorDenies(t *testing.T) {
	down := errors.New("kv unavailable")
	l := NewRateLimiter(failingStore{err: down}, nil)

	allowed, err := l.CheckRateLimit(context.Background(), limiterContext("u1", "acme_co"), "search", 3, time.Second)
	assert.False(t, allowed)
	assert.ErrorIs(t, err, down)
}

func TestDecision_Err(t *testing.T) {
	l := NewRateLimiter(NewMemoryCounterStore(), nil)
	ctx := context.Background()
	sc := limiterContext("u1", "acme_co")

	d, err := l.Check(ctx, sc, "search", 1, time.Minute)
	require.NoError(t, err)
	assert.NoError(t, d.Err())

	d, err = l.Check(ctx, sc, "search", 1, time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, d.Err(), ErrRateLimited)
	assert.True(t, IsAudited(d.Err()))
}

func TestRateLimiter_InvalidArguments(t *testing.T) {
	l := NewRateLimiter(NewMemoryCounterStore(), nil)
	ctx := context.Background()

	_, err := l.Check(ctx, nil, "search", 3, time.Second)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = l.Check(ctx, limiterContext("u1", "acme_co"), "search", 0, time.Second)
	assert.Error(t, err)
	_, err = l.Check(ctx, limiterContext("u1", "acme_co"), "search", 3, 0)
	assert.Error(t, err)
}

func TestMemoryCounterStore_Sweep(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()
	now := time.Now()

	_, _, err := store.Hit(ctx, "short", 1, time.Second, now)
	require.NoError(t, err)
	_, _, err = store.Hit(ctx, "long", 1, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	assert.Equal(t, 0, store.Sweep(now.Add(time.Second)))
	assert.Equal(t, 1, store.Sweep(now.Add(2*time.Second)))
	assert.Equal(t, 1, store.Len())
}

func TestMemoryCounterStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := NewMemoryCounterStore().Hit(ctx, "k", 1, time.Second, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryCounterStore_RunJanitor(t *testing.T) {
	store := NewMemoryCounterStore()
	_, _, err := store.Hit(context.Background(), "k", 1, time.Millisecond, time.Now().Add(-time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
