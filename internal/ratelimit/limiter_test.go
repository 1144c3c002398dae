package ratelimit

import (
	"context"
	"testing"
	"time"

	"gantry/internal/services"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.now
	return l, clock
}

func TestTryAcquireConservesTokens(t *testing.T) {
	l, clock := newTestLimiter(Config{RatePerSecond: 1, Burst: 5})

	for i := 0; i < 5; i++ {
		if !l.TryAcquire("site:alpha", 1) {
			t.Fatalf("acquire %d should succeed within burst", i+1)
		}
	}
	if l.TryAcquire("site:alpha", 1) {
		t.Fatal("sixth acquire should fail with an empty bucket")
	}

	clock.advance(time.Second)
	if !l.TryAcquire("site:alpha", 1) {
		t.Fatal("one token should refill after 1s at 1/s")
	}
	if l.TryAcquire("site:alpha", 1) {
		t.Fatal("only one token should have refilled")
	}
}

func TestRefillClampsToBurst(t *testing.T) {
	l, clock := newTestLimiter(Config{RatePerSecond: 10, Burst: 3})

	clock.advance(time.Hour)
	if l.Tokens("site:alpha") != 3 {
		t.Fatalf("tokens = %v, want clamped to burst 3", l.Tokens("site:alpha"))
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RatePerSecond: 1, Burst: 1})

	if !l.TryAcquire("site:alpha", 1) {
		t.Fatal("alpha should start full")
	}
	if !l.TryAcquire("site:beta", 1) {
		t.Fatal("draining alpha must not affect beta")
	}
}

func TestConfigureOverridesDefaults(t *testing.T) {
	l, _ := newTestLimiter(Config{RatePerSecond: 1, Burst: 1})
	l.Configure("site:big", Config{RatePerSecond: 5, Burst: 10})

	if !l.TryAcquire("site:big", 10) {
		t.Fatal("configured bucket should hold its own burst")
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	l, clock := newTestLimiter(Config{RatePerSecond: 2, Burst: 1})
	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock.advance(d)
		return nil
	}

	if err := l.Acquire(context.Background(), "site:alpha", 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(context.Background(), "site:alpha", 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if len(slept) == 0 {
		t.Fatal("second acquire should have waited for refill")
	}
	if slept[0] != 500*time.Millisecond {
		t.Fatalf("waited %v, want 500ms for one token at 2/s", slept[0])
	}
}

func TestAcquireCancellationIsNotRateLimited(t *testing.T) {
	l, _ := newTestLimiter(Config{RatePerSecond: 1, Burst: 1})
	l.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}
	l.TryAcquire("site:alpha", 1)

	err := l.Acquire(context.Background(), "site:alpha", 1)
	if !services.IsCancelled(err) {
		t.Fatalf("cancelled wait classified as %q, want cancelled", services.Classify(err))
	}
	if services.Retryable(err) {
		t.Fatal("a shutdown mid-wait must not look like a retryable destination failure")
	}
}

func TestAcquireDeadlineExpiryIsRateLimited(t *testing.T) {
	l, _ := newTestLimiter(Config{RatePerSecond: 1, Burst: 1})
	l.sleep = func(ctx context.Context, d time.Duration) error {
		return context.DeadlineExceeded
	}
	l.TryAcquire("site:alpha", 1)

	err := l.Acquire(context.Background(), "site:alpha", 1)
	if services.Classify(err) != services.KindRateLimited {
		t.Fatalf("expired wait classified as %q, want rate_limited", services.Classify(err))
	}
	if _, ok := services.RetryAfterHint(err); !ok {
		t.Fatal("expected a retry-after hint on the rate limit error")
	}
}

func TestAcquireFailsFastWhenWaitExceedsDeadline(t *testing.T) {
	l, _ := newTestLimiter(Config{RatePerSecond: 0.01, Burst: 1})
	l.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatalf("a wait of %v must not be slept against a 300ms deadline", d)
		return nil
	}
	l.TryAcquire("site:alpha", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "site:alpha", 1)
	if services.Classify(err) != services.KindRateLimited {
		t.Fatalf("classified as %q, want rate_limited", services.Classify(err))
	}
	hint, ok := services.RetryAfterHint(err)
	if !ok || hint < 90*time.Second {
		t.Fatalf("retry-after hint = %v, want the full refill wait", hint)
	}
}

func TestAcquireBeyondBurstIsConfigurationError(t *testing.T) {
	l, _ := newTestLimiter(Config{RatePerSecond: 1, Burst: 2})

	err := l.Acquire(context.Background(), "site:alpha", 3)
	if services.Classify(err) != services.KindConfiguration {
		t.Fatalf("classified as %q, want configuration", services.Classify(err))
	}
}
