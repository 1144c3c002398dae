package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// runnableStatuses are the statuses the daemon advances without further
// conditions. PendingApproval waits for an operator; Uploaded is terminal.
var runnableStatuses = []Status{
	StatusPending,
	StatusScanned,
	StatusAnalyzed,
	StatusApproved,
	StatusRenamed,
	StatusPreparing,
}

// NextRunnable returns the oldest job the pipeline can make progress on.
//
// MetadataGenerated jobs are runnable only while some destination outcome is
// still open; once every destination row is terminal there is nothing left to
// upload. Failed jobs are runnable when their failure was retryable and the
// error-retry cutoff has passed.
func (s *Store) NextRunnable(ctx context.Context, retryCutoff time.Time) (*Job, error) {
	args := make([]any, 0, len(runnableStatuses)+3)
	for _, status := range runnableStatuses {
		args = append(args, status)
	}
	args = append(args, StatusMetadataGenerated, DestSuccess, DestSkippedDuplicate)
	args = append(args, StatusFailed, retryCutoff.UTC().Format(time.RFC3339Nano))

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE (
        status IN (` + makePlaceholders(len(runnableStatuses)) + `)
        OR (status = ? AND (
            NOT EXISTS (SELECT 1 FROM destination_statuses d WHERE d.job_id = jobs.id)
            OR EXISTS (SELECT 1 FROM destination_statuses d WHERE d.job_id = jobs.id
                       AND d.status NOT IN (?, ?))
        ))
        OR (status = ? AND retryable = 1 AND updated_at < ?)
    ) ORDER BY id LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next runnable job: %w", err)
	}
	return job, nil
}

// Approve records operator approval for a job awaiting it.
func (s *Store) Approve(ctx context.Context, id int64) (*Job, error) {
	job, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %d not found", id)
	}
	if job.Status != StatusPendingApproval {
		return nil, fmt.Errorf("job %d is %s, not awaiting approval", id, job.Status)
	}

	now := time.Now().UTC()
	job.Status = StatusApproved
	job.ApprovedAt = &now
	if err := s.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RetryFailed moves failed jobs back to the status implied by their surviving
// checkpoints so the pipeline resumes at the failed stage. With no ids, every
// failed job is retried. Returns the number of jobs requeued.
func (s *Store) RetryFailed(ctx context.Context, ids ...int64) (int, error) {
	var jobs []*Job
	var err error
	if len(ids) == 0 {
		jobs, err = s.List(ctx, StatusFailed)
		if err != nil {
			return 0, err
		}
	} else {
		for _, id := range ids {
			job, err := s.GetByID(ctx, id)
			if err != nil {
				return 0, err
			}
			if job != nil && job.Status == StatusFailed {
				jobs = append(jobs, job)
			}
		}
	}

	requeued := 0
	for _, job := range jobs {
		job.Status = job.StatusFromCheckpoints()
		job.ErrorMessage = ""
		job.Retryable = false
		if err := s.Update(ctx, job); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
