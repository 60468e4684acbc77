package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/orderbridge/sheetsync/internal/domain"
	"github.com/orderbridge/sheetsync/internal/models"
)

const jobColumns = `id, queue, payload, priority, status, attempts_made, max_attempts,
        failed_reason, next_run_at, created_at, finished_at, locked_by`

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		job.ID,
		job.Queue,
		job.Payload,
		job.Priority,
		job.Status,
		job.AttemptsMade,
		job.MaxAttempts,
		job.FailedReason,
		job.NextRunAt,
		job.CreatedAt,
		nullableTime(job.FinishedAt),
		job.LockedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimJob leases a specific waiting job to one worker. The conditional
// update is what guarantees at-most-one active lease per job.
func (db *DB) ClaimJob(ctx context.Context, id, workerID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'active', locked_by = ?, attempts_made = attempts_made + 1
         WHERE id = ? AND status = 'waiting'`,
		workerID, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClaimNextJob leases the highest-priority eligible job on a queue, oldest
// first within equal priority. Returns (nil, nil) when nothing is eligible.
func (db *DB) ClaimNextJob(ctx context.Context, queue, workerID string, now time.Time) (*models.Job, error) {
	for {
		query := `SELECT ` + jobColumns + ` FROM jobs
                  WHERE queue = ? AND status = 'waiting' AND next_run_at <= ?
                  ORDER BY priority DESC, created_at ASC LIMIT 1`
		job, err := scanJob(db.QueryRowContext(ctx, query, queue, now))
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, nil
			}
			return nil, fmt.Errorf("failed to select next job: %w", err)
		}

		claimed, err := db.ClaimJob(ctx, job.ID, workerID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Lost the race to another worker; pick again.
			continue
		}

		job.Status = models.JobActive
		job.AttemptsMade++
		job.LockedBy = workerID
		return job, nil
	}
}

func (db *DB) FinishJob(ctx context.Context, id, status, failedReason string) error {
	now := time.Now()
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, failed_reason = ?, finished_at = ?, locked_by = '' WHERE id = ?`,
		status, failedReason, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

// RescheduleJob returns a job to the waiting state with a future run time.
// Used by transport-level retries.
func (db *DB) RescheduleJob(ctx context.Context, id string, nextRunAt time.Time, failedReason string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = 'waiting', next_run_at = ?, failed_reason = ?, locked_by = '' WHERE id = ?`,
		nextRunAt, failedReason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// RemoveWaitingJob deletes a job that has not been leased yet. Active or
// finished jobs cannot be removed.
func (db *DB) RemoveWaitingJob(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND status = 'waiting'`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := db.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("job %s is not waiting: %w", id, domain.ErrStateConflict)
	}
	return nil
}

func (db *DB) CleanFinishedJobs(ctx context.Context, queue string, finishedBefore time.Time) (int, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND status IN ('completed', 'failed') AND finished_at < ?`,
		queue, finishedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean finished jobs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(deleted), nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var finished sql.NullTime
	err := row.Scan(
		&job.ID, &job.Queue, &job.Payload, &job.Priority, &job.Status,
		&job.AttemptsMade, &job.MaxAttempts, &job.FailedReason,
		&job.NextRunAt, &job.CreatedAt, &finished, &job.LockedBy,
	)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		job.FinishedAt = &t
	}
	return &job, nil
}
