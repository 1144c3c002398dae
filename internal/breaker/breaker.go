// Package breaker implements a per-dependency circuit breaker that fast-fails
// calls while a downstream service is unhealthy.
package breaker

import (
	"context"
	"sync"
	"time"

	"gantry/internal/services"
)

// State describes the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	MaxFailures  int
	OpenDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = time.Minute
	}
	return c
}

// Breaker guards one dependency. All state is mutex-protected; the zero value
// is not usable, construct with New.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	probing       bool

	now func() time.Time
}

// New constructs a closed breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Status reports the observable breaker state for operational visibility.
type Status struct {
	Name         string
	State        State
	FailureCount int
	RetryIn      time.Duration
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := Status{Name: b.name, State: b.state, FailureCount: b.failureCount}
	if b.state == StateOpen {
		if remaining := b.cfg.OpenDuration - b.now().Sub(b.lastFailureAt); remaining > 0 {
			status.RetryIn = remaining
		}
	}
	return status
}

// Guard runs op under the breaker. While the breaker is open the operation is
// never invoked and a circuit-open error carrying the remaining cooldown is
// returned. A half-open breaker admits exactly one in-flight probe.
func (b *Breaker) Guard(ctx context.Context, op func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	if err != nil {
		// Caller cancellation says nothing about dependency health.
		if services.IsCancelled(err) {
			b.release()
			return err
		}
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureAt)
		if elapsed < b.cfg.OpenDuration {
			return services.WrapRetryAfter(
				services.KindCircuitOpen, b.name, "guard",
				"circuit open", b.cfg.OpenDuration-elapsed, nil,
			)
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return services.WrapRetryAfter(
				services.KindCircuitOpen, b.name, "guard",
				"circuit half-open, probe in flight", b.cfg.OpenDuration, nil,
			)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// release clears the half-open probe slot without recording an outcome.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.lastFailureAt = time.Time{}
	b.probing = false
	b.state = StateClosed
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureAt = b.now()
	if b.state == StateHalfOpen || b.failureCount >= b.cfg.MaxFailures {
		b.state = StateOpen
	}
	b.probing = false
}
