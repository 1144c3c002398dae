package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const destinationColumns = `job_id, destination, status, retry_count, last_error,
    external_id, external_url, updated_at`

// DestinationStatuses returns the per-destination outcomes recorded for a job.
func (s *Store) DestinationStatuses(ctx context.Context, jobID int64) (map[string]DestinationStatus, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+destinationColumns+` FROM destination_statuses WHERE job_id = ?`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list destination statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]DestinationStatus)
	for rows.Next() {
		var (
			ds        DestinationStatus
			updatedAt string
		)
		if err := rows.Scan(
			&ds.JobID,
			&ds.Destination,
			&ds.Status,
			&ds.RetryCount,
			&ds.LastError,
			&ds.ExternalID,
			&ds.ExternalURL,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan destination status: %w", err)
		}
		if ds.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		statuses[ds.Destination] = ds
	}
	return statuses, rows.Err()
}

// UpsertDestinationStatus persists one destination outcome transition.
// Called after every transition so a crash between destinations never
// re-attempts an already-succeeded upload.
func (s *Store) UpsertDestinationStatus(ctx context.Context, ds *DestinationStatus) error {
	if ds == nil {
		return errors.New("destination status is nil")
	}
	if ds.JobID == 0 || strings.TrimSpace(ds.Destination) == "" {
		return errors.New("destination status requires job id and destination")
	}
	ds.UpdatedAt = time.Now().UTC()

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO destination_statuses (`+destinationColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (job_id, destination) DO UPDATE SET
            status = excluded.status,
            retry_count = excluded.retry_count,
            last_error = excluded.last_error,
            external_id = excluded.external_id,
            external_url = excluded.external_url,
            updated_at = excluded.updated_at`,
		ds.JobID,
		ds.Destination,
		ds.Status,
		ds.RetryCount,
		ds.LastError,
		ds.ExternalID,
		ds.ExternalURL,
		ds.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert destination status: %w", err)
	}
	return nil
}

// DeleteDestinationStatuses removes recorded outcomes for a job, serving an
// explicit re-upload request. With destinations it deletes only those rows;
// without, it deletes every row for the job.
func (s *Store) DeleteDestinationStatuses(ctx context.Context, jobID int64, destinations ...string) error {
	query := `DELETE FROM destination_statuses WHERE job_id = ?`
	args := []any{jobID}
	if len(destinations) > 0 {
		query += ` AND destination IN (` + makePlaceholders(len(destinations)) + `)`
		for _, dest := range destinations {
			args = append(args, dest)
		}
	}
	if _, err := s.execWithRetry(ctx, query, args...); err != nil {
		return fmt.Errorf("delete destination statuses: %w", err)
	}
	return nil
}
