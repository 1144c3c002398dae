package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"gantry/internal/services"
)

func newRecordingExecutor(policy Policy) (*Executor, *[]time.Duration) {
	e := New(policy)
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func networkErr(msg string) error {
	return services.Wrap(services.KindNetwork, "upload", "post", msg, nil)
}

func TestBackoffSequenceDoublesUntilCap(t *testing.T) {
	e, slept := newRecordingExecutor(Policy{
		MaxRetries:  7,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		BackoffBase: 2,
	})

	attempts := 0
	err := e.Do(context.Background(), func(context.Context) error {
		attempts++
		return networkErr("always failing")
	})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if attempts != 8 {
		t.Fatalf("attempts = %d, want 8 (1 initial + 7 retries)", attempts)
	}

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	if len(*slept) != len(want) {
		t.Fatalf("slept %d times, want %d: %v", len(*slept), len(want), *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Fatalf("delay[%d] = %v, want %v (all: %v)", i, (*slept)[i], d, *slept)
		}
	}
}

func TestNonRetryablePropagatesWithoutSleeping(t *testing.T) {
	e, slept := newRecordingExecutor(Policy{MaxRetries: 5})

	fatal := services.Wrap(services.KindValidation, "upload", "post", "artifact rejected", nil)
	attempts := 0
	err := e.Do(context.Background(), func(context.Context) error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected the fatal error back, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("no sleep expected for fatal errors, got %v", *slept)
	}
}

func TestRetryAfterHintOverridesComputedDelay(t *testing.T) {
	e, slept := newRecordingExecutor(Policy{MaxRetries: 1, BaseDelay: time.Second})

	hinted := services.WrapRetryAfter(services.KindRateLimited, "upload", "post", "slow down", 42*time.Second, nil)
	_ = e.Do(context.Background(), func(context.Context) error { return hinted })

	if len(*slept) != 1 || (*slept)[0] != 42*time.Second {
		t.Fatalf("slept = %v, want [42s]", *slept)
	}
}

func TestExhaustionPreservesConcreteErrorType(t *testing.T) {
	e, _ := newRecordingExecutor(Policy{MaxRetries: 2})

	err := e.Do(context.Background(), func(context.Context) error {
		return networkErr("timeout")
	})
	if services.Classify(err) != services.KindNetwork {
		t.Fatalf("exhausted error classified as %q, want network", services.Classify(err))
	}
}

func TestCancellationDuringBackoff(t *testing.T) {
	e := New(Policy{MaxRetries: 3, BaseDelay: time.Second})
	e.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	err := e.Do(context.Background(), func(context.Context) error {
		return networkErr("flaky")
	})
	if services.Classify(err) != services.KindCancelled {
		t.Fatalf("cancelled backoff classified as %q", services.Classify(err))
	}
}

func TestNotifyReportsEachRetry(t *testing.T) {
	e, _ := newRecordingExecutor(Policy{MaxRetries: 3, BaseDelay: time.Second})

	var attempts []int
	_ = e.DoNotify(context.Background(), func(context.Context) error {
		return networkErr("flaky")
	}, func(attempt int, delay time.Duration, err error) {
		attempts = append(attempts, attempt)
	})

	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("notified attempts = %v, want [1 2 3]", attempts)
	}
}
