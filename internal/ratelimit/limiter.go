// Package ratelimit provides per-service token buckets so that outbound
// request rates stay within each destination's published limits.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gantry/internal/services"
)

// Config describes one bucket. RatePerSecond is the steady refill rate;
// Burst is the bucket capacity.
type Config struct {
	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type bucket struct {
	cfg      Config
	tokens   float64
	lastFill time.Time
}

// refill credits tokens accrued since the last fill, clamped to capacity.
// Callers hold the limiter mutex.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill)
	if elapsed <= 0 {
		return
	}
	b.lastFill = now
	b.tokens += elapsed.Seconds() * b.cfg.RatePerSecond
	if b.tokens > float64(b.cfg.Burst) {
		b.tokens = float64(b.cfg.Burst)
	}
}

// Limiter maintains independent token buckets keyed by service name.
// The zero value is not usable; construct with New.
type Limiter struct {
	mu       sync.Mutex
	defaults Config
	buckets  map[string]*bucket

	// now and sleep are replaceable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a limiter whose unconfigured keys use the given defaults.
func New(defaults Config) *Limiter {
	return &Limiter{
		defaults: defaults.withDefaults(),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Configure sets an explicit bucket config for key, replacing any bucket
// already accrued under that key.
func (l *Limiter) Configure(key string, cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[key] = &bucket{cfg: cfg, tokens: float64(cfg.Burst), lastFill: l.now()}
}

func (l *Limiter) bucketFor(key string) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{cfg: l.defaults, tokens: float64(l.defaults.Burst), lastFill: l.now()}
		l.buckets[key] = b
	}
	return b
}

// TryAcquire takes n tokens from key's bucket without blocking. It reports
// whether the tokens were granted.
func (l *Limiter) TryAcquire(key string, n int) bool {
	if n <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(key)
	b.refill(l.now())
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Acquire blocks until n tokens are available for key or ctx is done. When
// the needed wait cannot fit inside the caller's deadline, Acquire fails
// fast with a rate-limited error carrying the wait as a retry-after hint
// rather than sleeping the deadline away. Caller cancellation surfaces as a
// cancelled error, not a rate limit, so a shutdown mid-wait is never
// recorded as a destination failure.
func (l *Limiter) Acquire(ctx context.Context, key string, n int) error {
	if n <= 0 {
		return nil
	}
	for {
		wait, err := l.reserve(key, n)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && wait > time.Until(deadline) {
			return services.WrapRetryAfter(services.KindRateLimited, "", "rate limit wait",
				fmt.Sprintf("wait of %s for %q exceeds the caller's deadline", wait, key), wait, nil)
		}
		if err := l.sleep(ctx, wait); err != nil {
			if errors.Is(err, context.Canceled) {
				return services.Wrap(services.KindCancelled, "", "rate limit wait",
					fmt.Sprintf("cancelled while waiting for %q", key), err)
			}
			return services.WrapRetryAfter(services.KindRateLimited, "", "rate limit wait",
				fmt.Sprintf("deadline expired while waiting for %q", key), wait, err)
		}
	}
}

// reserve either debits the bucket (wait 0) or reports how long until the
// shortfall refills. Tokens are only debited once fully available, so
// concurrent waiters cannot overdraw the bucket.
func (l *Limiter) reserve(key string, n int) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(key)
	if n > b.cfg.Burst {
		return 0, services.Wrap(services.KindConfiguration, "", "rate limit",
			fmt.Sprintf("request of %d tokens exceeds burst %d for %q", n, b.cfg.Burst, key), nil)
	}
	b.refill(l.now())
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return 0, nil
	}
	shortfall := float64(n) - b.tokens
	wait := time.Duration(shortfall / b.cfg.RatePerSecond * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, nil
}

// Tokens reports the current token balance for key after refill. Intended
// for health reporting.
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucketFor(key)
	b.refill(l.now())
	return b.tokens
}

// Keys returns the configured bucket keys in sorted order.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
