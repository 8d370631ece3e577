package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/contentforge/jobserver/pkg/models"
)

// CreateJob inserts a new pending job row.
func (s *Store) CreateJob(ctx context.Context, job *models.Job) error {
	types := make([]string, len(job.RequestedTypes))
	for i, t := range job.RequestedTypes {
		types[i] = string(t)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, user_id, tier, topic, normalized_topic, requested_types,
		                   model_id, max_parallel_stages, fingerprint, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.JobID, job.UserID, string(job.Tier), job.Topic, job.NormalizedTopic,
		pq.Array(types), job.ModelID, job.MaxParallelStages, job.Fingerprint,
		string(models.JobPending), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the oldest pending job using FOR UPDATE SKIP
// LOCKED, so concurrent worker goroutines (and concurrent pods) never claim
// the same row twice.
func (s *Store) ClaimNext(ctx context.Context, podID string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT job_id, user_id, tier, topic, normalized_topic, requested_types,
		       model_id, max_parallel_stages, fingerprint, status, created_at
		FROM jobs
		WHERE status = $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, string(models.JobPending))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET pod_id = $1 WHERE job_id = $2`, podID, job.JobID); err != nil {
		return nil, fmt.Errorf("assigning pod: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.PodID = podID
	return job, nil
}

// MarkRunning transitions a job from pending to running.
func (s *Store) MarkRunning(ctx context.Context, jobID, podID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, pod_id = $2, started_at = now(), last_heartbeat = now()
		WHERE job_id = $3 AND status = $4`,
		string(models.JobRunning), podID, jobID, string(models.JobPending))
	if err != nil {
		return fmt.Errorf("marking job running: %w", err)
	}
	return requireRowAffected(res, "job is no longer pending")
}

// MarkTerminal transitions a job to a terminal status. The WHERE clause
// only matches non-terminal rows, making the update idempotent: a second
// call for a job that is already terminal changes nothing.
func (s *Store) MarkTerminal(ctx context.Context, jobID string, status models.JobStatus, errKind models.ErrorKind, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error_kind = NULLIF($2, ''), error_message = NULLIF($3, ''), finished_at = now()
		WHERE job_id = $4 AND status NOT IN ($5, $6, $7)`,
		string(status), string(errKind), errMsg, jobID,
		string(models.JobCompleted), string(models.JobFailed), string(models.JobCancelled),
	)
	if err != nil {
		return fmt.Errorf("marking job terminal: %w", err)
	}
	return nil
}

// Heartbeat refreshes a running job's last_heartbeat column.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_heartbeat = now() WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// CountActive returns the number of non-terminal jobs across the whole
// deployment (used for the global worker-capacity check).
func (s *Store) CountActive(ctx context.Context) (int, error) {
	return s.countWhere(ctx, `status IN ($1, $2)`, string(models.JobPending), string(models.JobRunning))
}

// CountActiveForUser returns the number of non-terminal jobs owned by
// userID, used for the per-user in-flight cap.
func (s *Store) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	return s.countWhere(ctx, `user_id = $1 AND status IN ($2, $3)`, userID, string(models.JobPending), string(models.JobRunning))
}

func (s *Store) countWhere(ctx context.Context, where string, args ...any) (int, error) {
	var count int
	query := "SELECT count(*) FROM jobs WHERE " + where
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return count, nil
}

// RecoverOrphans reclaims running jobs whose heartbeat has gone stale —
// typically because the pod that claimed them crashed — by resetting them
// to pending so another worker can pick them up.
func (s *Store) RecoverOrphans(ctx context.Context, staleSince time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, pod_id = NULL
		WHERE status = $2 AND last_heartbeat < $3`,
		string(models.JobPending), string(models.JobRunning), staleSince)
	if err != nil {
		return 0, fmt.Errorf("recovering orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var (
		job   models.Job
		tier  string
		types []string
	)
	if err := row.Scan(&job.JobID, &job.UserID, &tier, &job.Topic, &job.NormalizedTopic,
		pq.Array(&types), &job.ModelID, &job.MaxParallelStages, &job.Fingerprint,
		&job.Status, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Tier = models.Tier(tier)
	job.RequestedTypes = make([]models.ContentType, len(types))
	for i, t := range types {
		job.RequestedTypes[i] = models.ContentType(t)
	}
	return &job, nil
}

func requireRowAffected(res sql.Result, msg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no rows affected: %s", msg)
	}
	return nil
}
