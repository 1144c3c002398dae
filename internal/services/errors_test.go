package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gantry/internal/services"
)

func TestWrapTagsKindAndDetail(t *testing.T) {
	cause := errors.New("connection reset")
	err := services.Wrap(services.KindNetwork, "upload", "post artifact", "request failed", cause)

	if got := services.Classify(err); got != services.KindNetwork {
		t.Fatalf("Classify = %q, want %q", got, services.KindNetwork)
	}
	if !services.Retryable(err) {
		t.Fatal("expected network error to be retryable")
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to survive errors.Is")
	}
	want := "upload: post artifact: request failed"
	if got := services.Message(err); got != want+": connection reset" {
		t.Fatalf("Message = %q", got)
	}
}

func TestFatalKindsNeverRetryable(t *testing.T) {
	kinds := []services.Kind{
		services.KindFatal,
		services.KindValidation,
		services.KindConfiguration,
		services.KindNotFound,
		services.KindCancelled,
	}
	for _, kind := range kinds {
		err := services.Wrap(kind, "scan", "", "bad input", nil)
		if services.Retryable(err) {
			t.Errorf("kind %q unexpectedly retryable", kind)
		}
	}
}

func TestClassifyUntypedErrors(t *testing.T) {
	if got := services.Classify(context.Canceled); got != services.KindCancelled {
		t.Fatalf("context.Canceled classified as %q", got)
	}
	if got := services.Classify(context.DeadlineExceeded); got != services.KindNetwork {
		t.Fatalf("context.DeadlineExceeded classified as %q", got)
	}
	if got := services.Classify(errors.New("boom")); got != services.KindFatal {
		t.Fatalf("plain error classified as %q", got)
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := services.WrapRetryAfter(services.KindCircuitOpen, "upload", "guard", "circuit open", 45*time.Second, nil)
	hint, ok := services.RetryAfterHint(err)
	if !ok || hint != 45*time.Second {
		t.Fatalf("RetryAfterHint = %v, %v", hint, ok)
	}
	if _, ok := services.RetryAfterHint(errors.New("plain")); ok {
		t.Fatal("plain error should carry no hint")
	}
}

func TestContextAnnotations(t *testing.T) {
	ctx := services.WithJobID(context.Background(), 7)
	ctx = services.WithStage(ctx, "analyze")
	ctx = services.WithRequestID(ctx, "req-1")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != 7 {
		t.Fatalf("JobIDFromContext = %d, %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "analyze" {
		t.Fatalf("StageFromContext = %q, %v", stage, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-1" {
		t.Fatalf("RequestIDFromContext = %q, %v", rid, ok)
	}
}
