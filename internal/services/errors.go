package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Kind classifies a service failure for retry decisions.
type Kind string

const (
	// KindFatal marks failures that must never be retried.
	KindFatal Kind = "fatal"
	// KindValidation marks malformed or rejected input.
	KindValidation Kind = "validation"
	// KindConfiguration marks missing or inconsistent configuration.
	KindConfiguration Kind = "configuration"
	// KindNotFound marks lookups that resolved to nothing.
	KindNotFound Kind = "not_found"
	// KindNetwork marks timeouts, connection failures, and 5xx-class responses.
	KindNetwork Kind = "network"
	// KindCircuitOpen marks calls rejected by an open circuit breaker.
	KindCircuitOpen Kind = "circuit_open"
	// KindRateLimited marks calls rejected because a token wait would exceed
	// the caller's deadline.
	KindRateLimited Kind = "rate_limited"
	// KindCancelled marks calls interrupted by caller cancellation.
	KindCancelled Kind = "cancelled"
)

// Error is the tagged failure type carried through the pipeline.
type Error struct {
	Kind       Kind
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	detail := strings.TrimSpace(e.Detail)
	if detail == "" {
		detail = "service failure"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the error kind allows another attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindCircuitOpen, KindRateLimited:
		return true
	default:
		return false
	}
}

// Wrap builds a tagged error that includes stage and operation context.
func Wrap(kind Kind, stage, operation, message string, err error) error {
	if kind == "" {
		kind = KindFatal
	}
	return &Error{
		Kind:   kind,
		Detail: buildDetail(stage, operation, message),
		Err:    err,
	}
}

// WrapRetryAfter is Wrap with an explicit retry-after hint attached.
func WrapRetryAfter(kind Kind, stage, operation, message string, retryAfter time.Duration, err error) error {
	wrapped := Wrap(kind, stage, operation, message, err)
	var tagged *Error
	if errors.As(wrapped, &tagged) {
		tagged.RetryAfter = retryAfter
	}
	return wrapped
}

// Classify resolves the Kind of an arbitrary error. Untyped errors are
// inspected for context cancellation and transport failures; everything else
// is fatal.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	// Deadline expiry on an external call is a transient transport failure.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindFatal
}

// Retryable reports whether the error may be attempted again.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindCircuitOpen, KindRateLimited:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the error stems from caller cancellation.
func IsCancelled(err error) bool {
	return Classify(err) == KindCancelled
}

// RetryAfterHint extracts an explicit retry-after duration when one was
// attached by a circuit breaker, rate limiter, or destination response.
func RetryAfterHint(err error) (time.Duration, bool) {
	var tagged *Error
	if errors.As(err, &tagged) && tagged.RetryAfter > 0 {
		return tagged.RetryAfter, true
	}
	return 0, false
}

// Message returns the human-readable detail of an error, preferring the
// tagged detail over the full wrapped chain.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		if detail := strings.TrimSpace(tagged.Detail); detail != "" {
			if tagged.Err != nil {
				return fmt.Sprintf("%s: %v", detail, tagged.Err)
			}
			return detail
		}
	}
	return err.Error()
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
