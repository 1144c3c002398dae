package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const jobColumns = `id, source_path, title, release_name, status, media_info_json,
    artifacts_json, error_message, retryable,
    scanned_at, analyzed_at, renamed_at, prepared_at, metadata_generated_at, uploaded_at,
    approval_requested_at, approved_at, created_at, updated_at`

// NewJob inserts a pending job for a source file. Source paths are unique;
// re-adding an existing path returns the existing job.
func (s *Store) NewJob(ctx context.Context, sourcePath, title string) (*Job, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return nil, errors.New("source path is required")
	}

	if existing, err := s.GetBySourcePath(ctx, sourcePath); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (source_path, title, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?)`,
		sourcePath,
		strings.TrimSpace(title),
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	return s.GetByID(ctx, id)
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetBySourcePath returns the job registered for a source file, if any.
func (s *Store) GetBySourcePath(ctx context.Context, sourcePath string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE source_path = ?`, sourcePath)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by path: %w", err)
	}
	return job, nil
}

// Update persists changes to an existing job.
func (s *Store) Update(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()

	artifactsJSON, err := marshalArtifacts(job.Artifacts)
	if err != nil {
		return err
	}

	_, err = s.execWithRetry(
		ctx,
		`UPDATE jobs SET
            source_path = ?, title = ?, release_name = ?, status = ?,
            media_info_json = ?, artifacts_json = ?, error_message = ?, retryable = ?,
            scanned_at = ?, analyzed_at = ?, renamed_at = ?, prepared_at = ?,
            metadata_generated_at = ?, uploaded_at = ?,
            approval_requested_at = ?, approved_at = ?, updated_at = ?
         WHERE id = ?`,
		job.SourcePath,
		job.Title,
		job.ReleaseName,
		job.Status,
		job.MediaInfoJSON,
		artifactsJSON,
		job.ErrorMessage,
		boolToInt(job.Retryable),
		nullableTime(job.ScannedAt),
		nullableTime(job.AnalyzedAt),
		nullableTime(job.RenamedAt),
		nullableTime(job.PreparedAt),
		nullableTime(job.MetadataGeneratedAt),
		nullableTime(job.UploadedAt),
		nullableTime(job.ApprovalRequestedAt),
		nullableTime(job.ApprovedAt),
		job.UpdatedAt.Format(time.RFC3339Nano),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// List returns jobs filtered to the provided statuses, oldest first. With no
// statuses it returns every job.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Summary aggregates job counts for status reporting.
func (s *Store) Summary(ctx context.Context) (HealthSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return HealthSummary{}, fmt.Errorf("summarize jobs: %w", err)
	}
	defer rows.Close()

	var summary HealthSummary
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return HealthSummary{}, fmt.Errorf("scan summary row: %w", err)
		}
		summary.Total += count
		switch status {
		case StatusPending:
			summary.Pending += count
		case StatusPendingApproval:
			summary.AwaitingApproval += count
		case StatusUploaded:
			summary.Uploaded += count
		case StatusFailed:
			summary.Failed += count
		default:
			summary.Processing += count
		}
	}
	return summary, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		job           Job
		artifactsJSON string
		retryable     int
		createdAt     string
		updatedAt     string
		scannedAt     sql.NullString
		analyzedAt    sql.NullString
		renamedAt     sql.NullString
		preparedAt    sql.NullString
		metadataAt    sql.NullString
		uploadedAt    sql.NullString
		approvalReqAt sql.NullString
		approvedAt    sql.NullString
	)
	err := scanner.Scan(
		&job.ID,
		&job.SourcePath,
		&job.Title,
		&job.ReleaseName,
		&job.Status,
		&job.MediaInfoJSON,
		&artifactsJSON,
		&job.ErrorMessage,
		&retryable,
		&scannedAt,
		&analyzedAt,
		&renamedAt,
		&preparedAt,
		&metadataAt,
		&uploadedAt,
		&approvalReqAt,
		&approvedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Retryable = retryable != 0
	if job.Artifacts, err = unmarshalArtifacts(artifactsJSON); err != nil {
		return nil, err
	}
	if job.ScannedAt, err = parseNullableTime(scannedAt); err != nil {
		return nil, err
	}
	if job.AnalyzedAt, err = parseNullableTime(analyzedAt); err != nil {
		return nil, err
	}
	if job.RenamedAt, err = parseNullableTime(renamedAt); err != nil {
		return nil, err
	}
	if job.PreparedAt, err = parseNullableTime(preparedAt); err != nil {
		return nil, err
	}
	if job.MetadataGeneratedAt, err = parseNullableTime(metadataAt); err != nil {
		return nil, err
	}
	if job.UploadedAt, err = parseNullableTime(uploadedAt); err != nil {
		return nil, err
	}
	if job.ApprovalRequestedAt, err = parseNullableTime(approvalReqAt); err != nil {
		return nil, err
	}
	if job.ApprovedAt, err = parseNullableTime(approvedAt); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &job, nil
}
