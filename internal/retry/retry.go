// Package retry re-attempts fallible operations with exponential backoff,
// propagating non-retryable failures immediately.
package retry

import (
	"context"
	"math"
	"time"

	"gantry/internal/services"
)

// Policy bounds the retry behavior of one executor.
type Policy struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BackoffBase float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.BackoffBase <= 1 {
		p.BackoffBase = 2
	}
	return p
}

// Delay computes the backoff before the retry with the given zero-based index.
func (p Policy) Delay(attempt int) time.Duration {
	scaled := float64(p.BaseDelay) * math.Pow(p.BackoffBase, float64(attempt))
	if scaled > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(scaled)
}

// Operation is one fallible unit of work.
type Operation func(ctx context.Context) error

// Notify observes each scheduled retry before its backoff sleep.
type Notify func(attempt int, delay time.Duration, err error)

// Executor re-attempts operations per its policy. Executors are stateless and
// safe for concurrent use.
type Executor struct {
	policy Policy

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an executor with the given policy.
func New(policy Policy) *Executor {
	return &Executor{
		policy: policy.withDefaults(),
		sleep:  sleepContext,
	}
}

// Policy returns the normalized policy in effect.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs op, retrying retryable failures up to MaxRetries times. Total
// attempts are therefore MaxRetries+1. Non-retryable errors propagate
// immediately without consuming a retry; exhaustion propagates the last error
// with its concrete type intact.
func (e *Executor) Do(ctx context.Context, op Operation) error {
	return e.DoNotify(ctx, op, nil)
}

// DoNotify is Do with a callback invoked before each backoff sleep, letting
// callers persist retry progress.
func (e *Executor) DoNotify(ctx context.Context, op Operation, notify Notify) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !services.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= e.policy.MaxRetries {
			return lastErr
		}

		delay := e.policy.Delay(attempt)
		if hint, ok := services.RetryAfterHint(lastErr); ok {
			delay = hint
		}
		if notify != nil {
			notify(attempt+1, delay, lastErr)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return services.Wrap(services.KindCancelled, "", "retry backoff", "cancelled while waiting", err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
