// Package uploader fans a prepared job out to every enabled destination,
// isolating failures so one bad site never blocks the others.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
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
	"gantry/internal/stages"
)

// Result summarizes one fan-out pass across destinations.
type Result struct {
	Succeeded []string
	Failed    []string
	Skipped   []string
}

// Orchestrator drives the per-destination upload sequence: rate limit,
// authenticate behind the breaker, duplicate check, then the retried upload.
type Orchestrator struct {
	cfg      *config.Config
	store    *queue.Store
	registry *destinations.Registry
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	executor *retry.Executor
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New wires the orchestrator from its collaborators.
func New(cfg *config.Config, store *queue.Store, registry *destinations.Registry,
	breakers *breaker.Registry, limiter *ratelimit.Limiter, executor *retry.Executor,
	logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		registry: registry,
		breakers: breakers,
		limiter:  limiter,
		executor: executor,
		logger:   logging.NewComponentLogger(logger, "uploader"),
		now:      time.Now,
	}
}

// Execute implements the upload stage: every enabled destination is attempted
// regardless of how the others fare. The stage errors only when no
// destination succeeds and at least one fails outright. When every
// destination was a skipped duplicate it returns stage.ErrNothingToDo so the
// job stops short of uploaded without being marked failed.
func (o *Orchestrator) Execute(ctx context.Context, job *queue.Job) error {
	result, err := o.UploadAll(ctx, job)
	if err != nil && !errors.Is(err, stage.ErrNothingToDo) {
		return err
	}
	o.logger.InfoContext(ctx, "fan-out complete",
		logging.Int("succeeded", len(result.Succeeded)),
		logging.Int("failed", len(result.Failed)),
		logging.Int("skipped", len(result.Skipped)))
	return err
}

// HealthCheck reports breaker state across destinations.
func (o *Orchestrator) HealthCheck(ctx context.Context) stage.Health {
	var open []string
	for _, status := range o.breakers.Statuses() {
		if status.State == breaker.StateOpen {
			open = append(open, status.Name)
		}
	}
	if len(open) > 0 {
		return stage.Unhealthy("uploader", fmt.Sprintf("circuits open: %s", strings.Join(open, ", ")))
	}
	return stage.Healthy("uploader")
}

// UploadAll runs the fan-out and returns the per-destination outcome.
func (o *Orchestrator) UploadAll(ctx context.Context, job *queue.Job) (Result, error) {
	var result Result

	names := o.registry.Names()
	if len(names) == 0 {
		return result, services.Wrap(services.KindConfiguration, "upload", "fan-out",
			"no destinations are enabled", nil)
	}

	existing, err := o.store.DestinationStatuses(ctx, job.ID)
	if err != nil {
		return result, err
	}

	failures := make(map[string]error, len(names))
	for _, name := range names {
		if prior, ok := existing[name]; ok && prior.Terminal() {
			// A crash between destination writes and the stage checkpoint
			// replays the fan-out; finished destinations stay finished.
			switch prior.Status {
			case queue.DestSuccess:
				result.Succeeded = append(result.Succeeded, name)
			case queue.DestSkippedDuplicate:
				result.Skipped = append(result.Skipped, name)
			}
			continue
		}

		outcome, err := o.uploadOne(ctx, job, name, existing[name])
		switch {
		case err == nil && outcome == queue.DestSuccess:
			result.Succeeded = append(result.Succeeded, name)
		case err == nil && outcome == queue.DestSkippedDuplicate:
			result.Skipped = append(result.Skipped, name)
		default:
			if services.IsCancelled(err) {
				return result, err
			}
			result.Failed = append(result.Failed, name)
			failures[name] = err
			o.logger.WarnContext(ctx, "destination failed",
				logging.String("destination", name),
				logging.Error(err))
		}
	}

	if len(result.Failed) > 0 && len(result.Succeeded) == 0 {
		return result, services.Wrap(o.aggregateKind(failures), "upload", "fan-out",
			aggregateMessage(failures), nil)
	}
	if len(result.Succeeded) == 0 {
		// Every destination already had the release. Not a failure, but not
		// a publish either, so the job stops short of uploaded.
		return result, stage.ErrNothingToDo
	}
	return result, nil
}

// uploadOne runs the full sequence for a single destination and persists
// every state transition before moving on.
func (o *Orchestrator) uploadOne(ctx context.Context, job *queue.Job, name string, prior queue.DestinationStatus) (queue.DestinationStatusCode, error) {
	adapter, err := o.registry.Get(name)
	if err != nil {
		return queue.DestFailed, err
	}
	brk := o.breakers.Get(name)
	retryCount := prior.RetryCount

	if err := o.persist(ctx, job.ID, name, queue.DestPending, retryCount, "", nil); err != nil {
		return queue.DestFailed, err
	}

	if err := o.limiter.Acquire(ctx, "destination:"+name, 1); err != nil {
		return o.failDestination(ctx, job.ID, name, retryCount, err)
	}

	if err := brk.Guard(ctx, adapter.Authenticate); err != nil {
		return o.failDestination(ctx, job.ID, name, retryCount, err)
	}

	report, err := o.checkDuplicate(ctx, job, adapter, brk, prior)
	if err != nil {
		return o.failDestination(ctx, job.ID, name, retryCount, err)
	}
	if report.Exact {
		o.logger.InfoContext(ctx, "duplicate found, skipping",
			logging.String("destination", name))
		if err := o.persist(ctx, job.ID, name, queue.DestSkippedDuplicate, retryCount, "", nil); err != nil {
			return queue.DestFailed, err
		}
		return queue.DestSkippedDuplicate, nil
	}
	if report.Near {
		if o.cfg.Destinations.SkipNearDuplicates {
			o.logger.InfoContext(ctx, "near duplicate found, skipping per policy",
				logging.String("destination", name))
			if err := o.persist(ctx, job.ID, name, queue.DestSkippedDuplicate, retryCount, "", nil); err != nil {
				return queue.DestFailed, err
			}
			return queue.DestSkippedDuplicate, nil
		}
		o.logger.WarnContext(ctx, "near duplicate found, proceeding",
			logging.String("destination", name),
			logging.Int("candidates", len(report.Candidates)))
	}

	var uploaded destinations.UploadResult
	err = o.executor.DoNotify(ctx, func(ctx context.Context) error {
		return brk.Guard(ctx, func(ctx context.Context) error {
			var opErr error
			uploaded, opErr = adapter.Upload(ctx, destinations.UploadRequest{
				FilePath:     job.Artifacts[stages.ArtifactFile],
				MetadataPath: job.Artifacts[stages.MetadataArtifactKey(name)],
				ReleaseName:  job.ReleaseName,
			})
			return opErr
		})
	}, func(attempt int, delay time.Duration, attemptErr error) {
		retryCount++
		o.logger.WarnContext(ctx, "upload attempt failed, backing off",
			logging.String("destination", name),
			logging.Int("attempt", attempt),
			logging.Duration("backoff", delay),
			logging.Error(attemptErr))
		o.persist(ctx, job.ID, name, queue.DestRetrying, retryCount, services.Message(attemptErr), nil)
	})
	if err != nil {
		return o.failDestination(ctx, job.ID, name, retryCount, err)
	}

	if err := o.persist(ctx, job.ID, name, queue.DestSuccess, retryCount, "", &uploaded); err != nil {
		return queue.DestFailed, err
	}
	return queue.DestSuccess, nil
}

// failDestination records a destination failure. A cancelled wait is not a
// destination failure; the row keeps its current state so the next daemon
// pass resumes it.
func (o *Orchestrator) failDestination(ctx context.Context, jobID int64, name string, retryCount int, cause error) (queue.DestinationStatusCode, error) {
	if !services.IsCancelled(cause) {
		o.persist(ctx, jobID, name, queue.DestFailed, retryCount, services.Message(cause), nil)
	}
	return queue.DestFailed, cause
}

func (o *Orchestrator) checkDuplicate(ctx context.Context, job *queue.Job, adapter destinations.Adapter, brk *breaker.Breaker, prior queue.DestinationStatus) (destinations.DuplicateReport, error) {
	var report destinations.DuplicateReport
	info, err := stages.ParseMediaInfo(job.MediaInfoJSON)
	if err != nil {
		return report, err
	}
	err = brk.Guard(ctx, func(ctx context.Context) error {
		var opErr error
		report, opErr = adapter.CheckDuplicate(ctx, destinations.IdentityHints{
			ExternalID:  prior.ExternalID,
			ReleaseName: job.ReleaseName,
			Title:       job.Title,
			Year:        stages.YearFromPath(job.SourcePath),
			SizeBytes:   info.SizeBytes,
		})
		return opErr
	})
	return report, err
}

func (o *Orchestrator) persist(ctx context.Context, jobID int64, name string, code queue.DestinationStatusCode, retryCount int, lastError string, uploaded *destinations.UploadResult) error {
	ds := &queue.DestinationStatus{
		JobID:       jobID,
		Destination: name,
		Status:      code,
		RetryCount:  retryCount,
		LastError:   lastError,
		UpdatedAt:   o.now().UTC(),
	}
	if uploaded != nil {
		ds.ExternalID = uploaded.RemoteID
		ds.ExternalURL = uploaded.RemoteURL
	}
	if err := o.store.UpsertDestinationStatus(ctx, ds); err != nil {
		o.logger.ErrorContext(ctx, "persist destination status",
			logging.String("destination", name),
			logging.Error(err))
		return err
	}
	return nil
}

// aggregateKind keeps the combined failure retryable only when every
// destination failed retryably; a single permanent failure needs an operator.
func (o *Orchestrator) aggregateKind(failures map[string]error) services.Kind {
	for _, err := range failures {
		if !services.Retryable(err) {
			return services.KindFatal
		}
	}
	return services.KindNetwork
}

func aggregateMessage(failures map[string]error) string {
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, services.Message(failures[name])))
	}
	return "all destinations failed: " + strings.Join(parts, "; ")
}
