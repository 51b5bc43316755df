package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gatekeeper/internal/counterstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend is a counterstore.Backend driven by a function.
type stubBackend struct {
	incr func(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

func (s *stubBackend) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(ctx, key, ttl)
}
func (s *stubBackend) Ping(context.Context) error { return nil }
func (s *stubBackend) Close() error               { return nil }

// recordingObserver collects ObserveCheck calls.
type recordingObserver struct {
	mu      sync.Mutex
	reasons []string
	counts  map[Decision]int
}

func (o *recordingObserver) ObserveCheck(_ Key, d Decision, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = make(map[Decision]int)
	}
	o.counts[d]++
	o.reasons = append(o.reasons, reason)
}

var testKey = Key{Scope: "ip", Identifier: "192.168.1.1", Route: "/gw/jobs"}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newMemoryLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	backend := counterstore.NewMemoryBackend(time.Minute)
	t.Cleanup(func() { backend.Close() })
	return New(counterstore.NewClient(backend, counterstore.DefaultOptions()), opts...)
}

func unavailableClient(err error) *counterstore.Client {
	backend := &stubBackend{incr: func(context.Context, string, time.Duration) (int64, error) {
		return 0, err
	}}
	return counterstore.NewClient(backend, counterstore.Options{
		Timeout:     10 * time.Millisecond,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
}

func timingOutClient() *counterstore.Client {
	backend := &stubBackend{incr: func(ctx context.Context, _ string, _ time.Duration) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	return counterstore.NewClient(backend, counterstore.Options{
		Timeout:     5 * time.Millisecond,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "allow", Allow.String())
	assert.Equal(t, "deny", Deny.String())
	assert.Equal(t, "allow_degraded", AllowDegraded.String())
}

func TestLimiter_AllowUpToLimitThenDeny(t *testing.T) {
	limiter := newMemoryLimiter(t, WithClock(fixedClock(time.UnixMilli(1_700_000_030_000))))
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		res := limiter.Check(ctx, testKey, 3, time.Minute)
		assert.Equal(t, Allow, res.Decision, "request %d", i)
		assert.Equal(t, i, res.Count)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res := limiter.Check(ctx, testKey, 3, time.Minute)
	assert.Equal(t, Deny, res.Decision)
	assert.False(t, res.Allowed())
	assert.Equal(t, int64(4), res.Count)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, 10*time.Second, res.RetryAfter, "time left in the window")
	assert.Equal(t, time.UnixMilli(1_700_000_040_000), res.ResetAt)
	assert.Zero(t, limiter.DegradedCount())
}

func TestLimiter_CountIncreasesByOnePerCheck(t *testing.T) {
	limiter := newMemoryLimiter(t, WithClock(fixedClock(time.UnixMilli(1_700_000_000_000))))

	first := limiter.Check(context.Background(), testKey, 100, time.Minute)
	second := limiter.Check(context.Background(), testKey, 100, time.Minute)
	assert.Equal(t, first.Count+1, second.Count)
}

func TestLimiter_NewWindowStartsFresh(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	limiter := newMemoryLimiter(t, WithClock(func() time.Time { return now }))

	limiter.Check(context.Background(), testKey, 1, time.Minute)
	assert.Equal(t, Deny, limiter.Check(context.Background(), testKey, 1, time.Minute).Decision)

	now = now.Add(time.Minute)
	res := limiter.Check(context.Background(), testKey, 1, time.Minute)
	assert.Equal(t, Allow, res.Decision)
	assert.Equal(t, int64(1), res.Count)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter := newMemoryLimiter(t)
	other := Key{Scope: "ip", Identifier: "10.0.0.9", Route: "/gw/jobs"}

	limiter.Check(context.Background(), testKey, 1, time.Minute)
	assert.Equal(t, Deny, limiter.Check(context.Background(), testKey, 1, time.Minute).Decision)
	assert.Equal(t, Allow, limiter.Check(context.Background(), other, 1, time.Minute).Decision)
}

func TestLimiter_StoreKey(t *testing.T) {
	var gotKey string
	var gotTTL time.Duration
	backend := &stubBackend{incr: func(_ context.Context, key string, ttl time.Duration) (int64, error) {
		gotKey, gotTTL = key, ttl
		return 1, nil
	}}
	limiter := New(counterstore.NewClient(backend, counterstore.DefaultOptions()),
		WithKeyPrefix("gatekeeper:"),
		WithClock(fixedClock(time.UnixMilli(1_700_000_012_345))),
	)

	limiter.Check(context.Background(), testKey, 10, 10*time.Second)
	assert.Equal(t, "gatekeeper:rl:ip:192.168.1.1:/gw/jobs:1700000010000", gotKey)
	assert.Equal(t, 10*time.Second, gotTTL)
}

func TestLimiter_FailOpenOnStoreError(t *testing.T) {
	observer := &recordingObserver{}
	limiter := New(unavailableClient(errors.New("connection refused")), WithObserver(observer))

	res := limiter.Check(context.Background(), testKey, 100, time.Minute)
	assert.Equal(t, AllowDegraded, res.Decision)
	assert.True(t, res.Allowed())
	assert.True(t, res.Degraded())
	assert.Equal(t, counterstore.StatusUnavailable, res.StoreStatus)
	assert.Equal(t, int64(1), limiter.DegradedCount())
	assert.Equal(t, []string{"unavailable"}, observer.reasons)
}

func TestLimiter_ZeroLimitStoreDownStillAdmits(t *testing.T) {
	limiter := New(unavailableClient(errors.New("connection refused")))

	res := limiter.Check(context.Background(), testKey, 0, time.Minute)
	assert.Equal(t, AllowDegraded, res.Decision)
	assert.Equal(t, int64(1), limiter.DegradedCount())
}

func TestLimiter_ZeroLimitStoreUpDenies(t *testing.T) {
	limiter := newMemoryLimiter(t)

	res := limiter.Check(context.Background(), testKey, 0, time.Minute)
	assert.Equal(t, Deny, res.Decision)
}

func TestLimiter_DegradedCountsExactlyOncePerCheck(t *testing.T) {
	observer := &recordingObserver{}
	limiter := New(timingOutClient(), WithObserver(observer))

	for i := 1; i <= 5; i++ {
		res := limiter.Check(context.Background(), testKey, 100, time.Minute)
		require.Equal(t, AllowDegraded, res.Decision)
		assert.Equal(t, counterstore.StatusTimeout, res.StoreStatus)
		assert.Equal(t, int64(i), limiter.DegradedCount())
	}
	assert.Equal(t, 5, observer.counts[AllowDegraded])
}

func TestLimiter_ConcurrentTimeoutsAllAdmitted(t *testing.T) {
	limiter := New(timingOutClient())

	const n = 1000
	decisions := make([]Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i] = limiter.Check(context.Background(), testKey, 100, time.Minute).Decision
		}(i)
	}
	wg.Wait()

	for i, d := range decisions {
		require.Equal(t, AllowDegraded, d, "check %d", i)
	}
	assert.Equal(t, int64(n), limiter.DegradedCount())
}

func TestLimiter_CallerGoneIsNotDegraded(t *testing.T) {
	slowButHealthy := &stubBackend{incr: func(ctx context.Context, _ string, _ time.Duration) (int64, error) {
		select {
		case <-time.After(20 * time.Millisecond):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}}
	client := counterstore.NewClient(slowButHealthy, counterstore.Options{
		Timeout:     time.Second,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	})
	observer := &recordingObserver{}
	limiter := New(client, WithObserver(observer))

	t.Run("deadline expires mid increment", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()

		res := limiter.Check(ctx, testKey, 10, time.Minute)
		assert.Equal(t, Allow, res.Decision)
		assert.Equal(t, counterstore.StatusOK, res.StoreStatus)
	})

	t.Run("already canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		res := limiter.Check(ctx, testKey, 10, time.Minute)
		assert.Equal(t, Allow, res.Decision)
	})

	assert.Zero(t, limiter.DegradedCount())
	assert.Equal(t, 2, observer.counts[Allow])
	assert.Zero(t, observer.counts[AllowDegraded])
}

func TestLimiter_ObserverSeesDecisions(t *testing.T) {
	observer := &recordingObserver{}
	limiter := newMemoryLimiter(t, WithObserver(observer))

	limiter.Check(context.Background(), testKey, 1, time.Minute)
	limiter.Check(context.Background(), testKey, 1, time.Minute)

	assert.Equal(t, 1, observer.counts[Allow])
	assert.Equal(t, 1, observer.counts[Deny])
	assert.Equal(t, []string{"", ""}, observer.reasons)
}
