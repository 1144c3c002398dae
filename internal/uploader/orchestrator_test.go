package uploader

import (
	"context"
	"errors"
	"testing"
	"time"

	"gantry/internal/breaker"
	"gantry/internal/config"
	"gantry/internal/destinations"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/ratelimit"
	"gantry/internal/retry"
	"gantry/internal/services"
	"gantry/internal/stage"
	"gantry/internal/testsupport"
)

type fakeAdapter struct {
	name        string
	authErr     error
	report      destinations.DuplicateReport
	reportErr   error
	uploadErr   error
	uploadErrs  []error
	uploadCalls int
	lastHints   destinations.IdentityHints
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Authenticate(ctx context.Context) error { return f.authErr }

func (f *fakeAdapter) CheckDuplicate(ctx context.Context, hints destinations.IdentityHints) (destinations.DuplicateReport, error) {
	f.lastHints = hints
	return f.report, f.reportErr
}

func (f *fakeAdapter) Upload(ctx context.Context, req destinations.UploadRequest) (destinations.UploadResult, error) {
	f.uploadCalls++
	if len(f.uploadErrs) > 0 {
		err := f.uploadErrs[0]
		f.uploadErrs = f.uploadErrs[1:]
		return destinations.UploadResult{}, err
	}
	if f.uploadErr != nil {
		return destinations.UploadResult{}, f.uploadErr
	}
	return destinations.UploadResult{RemoteID: f.name + "-1", RemoteURL: "https://" + f.name + "/1"}, nil
}

func (f *fakeAdapter) FetchTaxonomy(ctx context.Context) ([]destinations.Category, error) {
	return nil, nil
}

type fixture struct {
	orch     *Orchestrator
	store    *queue.Store
	job      *queue.Job
	adapters map[string]*fakeAdapter
}

func newFixture(t *testing.T, cfg *config.Config, adapters ...*fakeAdapter) *fixture {
	t.Helper()

	store := testsupport.MustOpenStore(t, cfg)
	registry := destinations.NewRegistry()
	byName := make(map[string]*fakeAdapter, len(adapters))
	for _, a := range adapters {
		if err := registry.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.name, err)
		}
		byName[a.name] = a
	}

	executor := retry.New(retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	limiter := ratelimit.New(ratelimit.Config{RatePerSecond: 1000, Burst: 1000})
	breakers := breaker.NewRegistry(breaker.Config{MaxFailures: 100, OpenDuration: time.Minute})
	orch := New(cfg, store, registry, breakers, limiter, executor, logging.NewNop())

	job, err := store.NewJob(context.Background(), "/media/Movie.2024.mkv", "Movie")
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	job.ReleaseName = "Movie.2024.1080p.x264"
	job.MediaInfoJSON = `{"video_codec": "h264", "height": 1080, "size_bytes": 1000}`
	job.Artifacts = map[string]string{"file": "/staging/Movie.2024.1080p.x264.mkv"}

	return &fixture{orch: orch, store: store, job: job, adapters: byName}
}

func (f *fixture) statuses(t *testing.T) map[string]queue.DestinationStatus {
	t.Helper()
	statuses, err := f.store.DestinationStatuses(context.Background(), f.job.ID)
	if err != nil {
		t.Fatalf("destination statuses: %v", err)
	}
	return statuses
}

func TestUploadAllIsolatesFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg,
		&fakeAdapter{name: "alpha"},
		&fakeAdapter{name: "beta", uploadErr: services.Wrap(services.KindNetwork, "upload", "post", "connection reset", nil)},
		&fakeAdapter{name: "gamma", report: destinations.DuplicateReport{Exact: true}},
	)

	result, err := fix.orch.UploadAll(context.Background(), fix.job)
	if err != nil {
		t.Fatalf("mixed outcome should not error while one destination succeeds: %v", err)
	}
	if len(result.Succeeded) != 1 || len(result.Failed) != 1 || len(result.Skipped) != 1 {
		t.Fatalf("result = %+v", result)
	}

	statuses := fix.statuses(t)
	if statuses["alpha"].Status != queue.DestSuccess {
		t.Errorf("alpha = %s", statuses["alpha"].Status)
	}
	if statuses["beta"].Status != queue.DestFailed {
		t.Errorf("beta = %s", statuses["beta"].Status)
	}
	if statuses["beta"].LastError == "" {
		t.Error("beta should record its error")
	}
	if statuses["gamma"].Status != queue.DestSkippedDuplicate {
		t.Errorf("gamma = %s", statuses["gamma"].Status)
	}
	if fix.adapters["gamma"].uploadCalls != 0 {
		t.Fatal("exact duplicate must not upload")
	}
}

func TestUploadAllErrorsWhenEveryDestinationFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg,
		&fakeAdapter{name: "alpha", uploadErr: services.Wrap(services.KindNetwork, "upload", "post", "reset", nil)},
		&fakeAdapter{name: "beta", uploadErr: services.Wrap(services.KindNetwork, "upload", "post", "timeout", nil)},
	)

	_, err := fix.orch.UploadAll(context.Background(), fix.job)
	if err == nil {
		t.Fatal("expected an aggregate error")
	}
	if !services.Retryable(err) {
		t.Fatal("all-retryable failures should aggregate retryable")
	}
}

func TestUploadAllSkippedDuplicatesAreClean(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg,
		&fakeAdapter{name: "alpha", report: destinations.DuplicateReport{Exact: true}},
		&fakeAdapter{name: "beta", report: destinations.DuplicateReport{Exact: true}},
	)

	result, err := fix.orch.UploadAll(context.Background(), fix.job)
	if !errors.Is(err, stage.ErrNothingToDo) {
		t.Fatalf("all-skipped should report nothing to do, got %v", err)
	}
	if len(result.Skipped) != 2 || len(result.Failed) != 0 {
		t.Fatalf("result = %+v", result)
	}
	if fix.adapters["alpha"].uploadCalls != 0 {
		t.Fatal("exact duplicates must not upload")
	}

	statuses := fix.statuses(t)
	if statuses["alpha"].Status != queue.DestSkippedDuplicate {
		t.Errorf("alpha = %s", statuses["alpha"].Status)
	}
}

func TestUploadAllNearDuplicatePolicy(t *testing.T) {
	near := destinations.DuplicateReport{Near: true}

	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg, &fakeAdapter{name: "alpha", report: near})
	result, err := fix.orch.UploadAll(context.Background(), fix.job)
	if err != nil || len(result.Succeeded) != 1 {
		t.Fatalf("near duplicates upload by default: %+v, %v", result, err)
	}

	cfg = testsupport.NewConfig(t)
	cfg.Destinations.SkipNearDuplicates = true
	fix = newFixture(t, cfg, &fakeAdapter{name: "alpha", report: near})
	result, err = fix.orch.UploadAll(context.Background(), fix.job)
	if !errors.Is(err, stage.ErrNothingToDo) || len(result.Skipped) != 1 {
		t.Fatalf("near duplicates skip under policy: %+v, %v", result, err)
	}
	if fix.adapters["alpha"].uploadCalls != 0 {
		t.Fatal("policy skip must not upload")
	}
}

func TestUploadAllRetriesTransientFailures(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	transient := services.Wrap(services.KindNetwork, "upload", "post", "flaky", nil)
	fix := newFixture(t, cfg, &fakeAdapter{name: "alpha", uploadErrs: []error{transient, transient}})

	result, err := fix.orch.UploadAll(context.Background(), fix.job)
	if err != nil || len(result.Succeeded) != 1 {
		t.Fatalf("third attempt should succeed: %+v, %v", result, err)
	}
	if fix.adapters["alpha"].uploadCalls != 3 {
		t.Fatalf("upload called %d times, want 3", fix.adapters["alpha"].uploadCalls)
	}
	if fix.statuses(t)["alpha"].RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", fix.statuses(t)["alpha"].RetryCount)
	}
}

func TestUploadAllResumeSkipsTerminalRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg,
		&fakeAdapter{name: "alpha"},
		&fakeAdapter{name: "beta"},
	)

	// Simulate a crash after alpha succeeded but before the checkpoint.
	if err := fix.store.UpsertDestinationStatus(context.Background(), &queue.DestinationStatus{
		JobID:       fix.job.ID,
		Destination: "alpha",
		Status:      queue.DestSuccess,
		ExternalID:  "alpha-old",
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := fix.orch.UploadAll(context.Background(), fix.job)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if fix.adapters["alpha"].uploadCalls != 0 {
		t.Fatal("terminal destination must not be re-uploaded on resume")
	}
	if fix.adapters["beta"].uploadCalls != 1 {
		t.Fatalf("beta uploads = %d, want 1", fix.adapters["beta"].uploadCalls)
	}
	if fix.statuses(t)["alpha"].ExternalID != "alpha-old" {
		t.Fatal("resume must preserve the original remote identity")
	}
}

func TestUploadAllCancellationLeavesDestinationResumable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cancelErr := services.Wrap(services.KindCancelled, "upload", "rate limit wait",
		"cancelled while waiting", context.Canceled)
	fix := newFixture(t, cfg,
		&fakeAdapter{name: "alpha", authErr: cancelErr},
		&fakeAdapter{name: "beta"},
	)

	result, err := fix.orch.UploadAll(context.Background(), fix.job)
	if !services.IsCancelled(err) {
		t.Fatalf("want cancellation to propagate, got %v", err)
	}
	if len(result.Failed) != 0 {
		t.Fatalf("cancellation must not count as a destination failure: %+v", result)
	}
	if fix.adapters["beta"].uploadCalls != 0 {
		t.Fatal("cancellation must stop the fan-out")
	}

	statuses := fix.statuses(t)
	if statuses["alpha"].Status != queue.DestPending {
		t.Fatalf("alpha = %s, want %s so the next pass resumes it",
			statuses["alpha"].Status, queue.DestPending)
	}
}

func TestCheckDuplicateCarriesPriorExternalID(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg, &fakeAdapter{name: "alpha"})

	// A failed earlier pass that got as far as an upload identity.
	if err := fix.store.UpsertDestinationStatus(context.Background(), &queue.DestinationStatus{
		JobID:       fix.job.ID,
		Destination: "alpha",
		Status:      queue.DestFailed,
		ExternalID:  "alpha-old",
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := fix.orch.UploadAll(context.Background(), fix.job); err != nil {
		t.Fatalf("fan-out: %v", err)
	}
	if got := fix.adapters["alpha"].lastHints.ExternalID; got != "alpha-old" {
		t.Fatalf("duplicate check saw external id %q, want the prior identity", got)
	}
}

func TestUploadAllWithNoDestinations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fix := newFixture(t, cfg)

	_, err := fix.orch.UploadAll(context.Background(), fix.job)
	if services.Classify(err) != services.KindConfiguration {
		t.Fatalf("classified as %q, want configuration", services.Classify(err))
	}
}
