package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/notifications"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/stage"
)

// statusAfter maps each completed stage to the status it leaves behind.
var statusAfter = map[queue.Stage]queue.Status{
	queue.StageScan:     queue.StatusScanned,
	queue.StageAnalyze:  queue.StatusAnalyzed,
	queue.StageRename:   queue.StatusRenamed,
	queue.StagePrepare:  queue.StatusPreparing,
	queue.StageMetadata: queue.StatusMetadataGenerated,
	queue.StageUpload:   queue.StatusUploaded,
}

// Engine advances jobs through the stage sequence, checkpointing each
// completed stage so a restart resumes exactly where work stopped.
type Engine struct {
	cfg      *config.Config
	store    *queue.Store
	handlers map[queue.Stage]stage.Handler
	notifier notifications.Service
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewEngine wires the engine from its stage handlers.
func NewEngine(cfg *config.Config, store *queue.Store, handlers map[queue.Stage]stage.Handler,
	notifier notifications.Service, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		handlers: handlers,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "pipeline"),
	}
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// Advance runs the job forward until it completes, pauses for approval, or
// fails. Checkpointed stages are skipped, making Advance safe to call on a
// job recovered after a crash. skipApproval bypasses the approval gate for
// this call only, regardless of the configured workflow policy.
func (e *Engine) Advance(ctx context.Context, job *queue.Job, skipApproval bool) error {
	ctx = services.WithJobID(ctx, job.ID)

	for _, current := range queue.Stages() {
		if job.CheckpointSet(current) {
			continue
		}
		if current == queue.StageRename && !skipApproval && !e.approvalCleared(job) {
			return e.pauseForApproval(ctx, job)
		}

		if err := e.runStage(ctx, current, job); err != nil {
			if errors.Is(err, stage.ErrNothingToDo) {
				return nil
			}
			return err
		}
	}

	// runStage already persisted the final status unless every stage was
	// checkpointed before this call, such as a failed job being revived.
	if job.Status != queue.StatusUploaded {
		job.Status = queue.StatusUploaded
		if err := e.store.Update(ctx, job); err != nil {
			return err
		}
	}
	e.logger.InfoContext(ctx, "job complete",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("release_name", job.ReleaseName))
	return nil
}

// approvalCleared reports whether the approval gate allows the job past
// analysis. The gate sits before rename so reviewers see the probe results
// before any staging work is spent.
func (e *Engine) approvalCleared(job *queue.Job) bool {
	if !e.cfg.Workflow.ApprovalRequired {
		return true
	}
	return job.ApprovedAt != nil
}

// pauseForApproval parks the job at the gate. Pausing is not an error; the
// manager simply stops scheduling the job until an operator approves it.
func (e *Engine) pauseForApproval(ctx context.Context, job *queue.Job) error {
	if job.Status == queue.StatusPendingApproval {
		return nil
	}
	job.Status = queue.StatusPendingApproval
	now := e.clock().UTC()
	job.ApprovalRequestedAt = &now
	if err := e.store.Update(ctx, job); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "awaiting approval", logging.Int64(logging.FieldJobID, job.ID))
	e.notifier.ApprovalRequested(ctx, job)
	return nil
}

func (e *Engine) runStage(ctx context.Context, current queue.Stage, job *queue.Job) error {
	handler, ok := e.handlers[current]
	if !ok {
		return services.Wrap(services.KindFatal, string(current), "dispatch",
			fmt.Sprintf("no handler registered for stage %s", current), nil)
	}

	stageCtx := services.WithStage(ctx, string(current))
	e.logger.InfoContext(stageCtx, "stage starting",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(current)))

	if err := handler.Execute(stageCtx, job); err != nil {
		if errors.Is(err, stage.ErrNothingToDo) {
			// Clean but empty outcome. The job keeps its current status and
			// the stage stays uncheckpointed; the scheduler decides whether
			// anything is left to pick up.
			e.logger.InfoContext(stageCtx, "stage had nothing to do",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.String(logging.FieldStage, string(current)))
			return err
		}
		return e.failStage(stageCtx, current, job, err)
	}

	job.SetCheckpoint(current, e.clock())
	job.Status = statusAfter[current]
	job.ErrorMessage = ""
	job.Retryable = false
	if err := e.store.Update(stageCtx, job); err != nil {
		return err
	}

	if current == queue.StageUpload {
		e.notifyPublished(stageCtx, job)
	}
	return nil
}

// failStage records the failure without touching earlier checkpoints, so a
// later retry resumes at the failed stage. Cancellation is not a job
// failure; the job stays schedulable for the next daemon pass.
func (e *Engine) failStage(ctx context.Context, current queue.Stage, job *queue.Job, cause error) error {
	if services.IsCancelled(cause) {
		e.logger.InfoContext(ctx, "stage interrupted",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(current)))
		return cause
	}

	job.SetFailed(services.Message(cause), services.Retryable(cause))
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.ErrorContext(ctx, "persist failure state", logging.Error(err))
	}
	e.logger.ErrorContext(ctx, "stage failed",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(current)),
		logging.String(logging.FieldErrorKind, string(services.Classify(cause))),
		logging.Error(cause))
	e.notifier.JobFailed(ctx, job, cause)
	return cause
}

func (e *Engine) notifyPublished(ctx context.Context, job *queue.Job) {
	statuses, err := e.store.DestinationStatuses(ctx, job.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "load destination statuses", logging.Error(err))
		return
	}
	var succeeded, skipped []string
	for name, ds := range statuses {
		switch ds.Status {
		case queue.DestSuccess:
			succeeded = append(succeeded, name)
		case queue.DestSkippedDuplicate:
			skipped = append(skipped, name)
		}
	}
	e.notifier.Published(ctx, job, succeeded, skipped)
}

// Reset rewinds a job to re-run from the given stage. Destination rows are
// dropped because any reset re-enters the upload fan-out, and keeping old
// terminal rows would silently skip the re-publish the operator asked for.
func (e *Engine) Reset(ctx context.Context, jobID int64, from queue.Stage) (*queue.Job, error) {
	job, err := e.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.KindNotFound, "", "reset",
			fmt.Sprintf("job %d not found", jobID), nil)
	}

	job.ClearCheckpointsFrom(from)
	job.Status = job.StatusFromCheckpoints()
	job.ErrorMessage = ""
	job.Retryable = false
	if err := e.store.DeleteDestinationStatuses(ctx, jobID); err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, job); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "job reset",
		logging.Int64(logging.FieldJobID, jobID),
		logging.String(logging.FieldStage, string(from)))
	return job, nil
}

// HealthChecks runs every registered handler's health probe.
func (e *Engine) HealthChecks(ctx context.Context) []stage.Health {
	checks := make([]stage.Health, 0, len(e.handlers))
	for _, current := range queue.Stages() {
		if handler, ok := e.handlers[current]; ok {
			checks = append(checks, handler.HealthCheck(ctx))
		}
	}
	return checks
}
