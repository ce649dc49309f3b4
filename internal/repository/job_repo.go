package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// JobRepository persists asynchronous batch jobs.
type JobRepository interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByAvatar(ctx context.Context, avatarID uuid.UUID, limit int) ([]*models.Job, error)
	CountRunning(ctx context.Context) (int, error)
	// MarkRunning transitions queued -> running and sets the lease. Returns
	// false when the job is not in a claimable state.
	MarkRunning(ctx context.Context, id string, leaseUntil time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int, stage string) error
	ExtendLease(ctx context.Context, id string, leaseUntil time.Time) error
	Finish(ctx context.Context, id string, state models.BatchState, result json.RawMessage, errMsg *string) error
	// ReclaimExpired resets running jobs whose lease has lapsed back to
	// queued and returns them for re-enqueueing.
	ReclaimExpired(ctx context.Context, now time.Time) ([]*models.Job, error)
}

type jobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository.
func NewJobRepository(pool *pgxpool.Pool) JobRepository {
	return &jobRepo{pool: pool}
}

const jobColumns = `id, avatar_id, batch_id, state, progress, stage, error, config, result,
	       lease_until, created_at, started_at, finished_at`

// Create inserts a new queued job.
func (r *jobRepo) Create(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, avatar_id, batch_id, state, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	if job.State == "" {
		job.State = models.StateQueued
	}
	return r.pool.QueryRow(ctx, query,
		job.ID,
		job.AvatarID,
		job.BatchID,
		job.State,
		job.Config,
	).Scan(&job.CreatedAt)
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.AvatarID,
		&job.BatchID,
		&job.State,
		&job.Progress,
		&job.Stage,
		&job.Error,
		&job.Config,
		&job.Result,
		&job.LeaseUntil,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByID retrieves a job snapshot. Returns (nil, nil) when absent.
func (r *jobRepo) GetByID(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListByAvatar retrieves recent jobs for one avatar.
func (r *jobRepo) ListByAvatar(ctx context.Context, avatarID uuid.UUID, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + `
		FROM jobs WHERE avatar_id = $1
		ORDER BY created_at DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, avatarID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountRunning counts jobs currently holding workers.
func (r *jobRepo) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state = 'running'`,
	).Scan(&count)
	return count, err
}

// MarkRunning claims a queued job for execution.
func (r *jobRepo) MarkRunning(ctx context.Context, id string, leaseUntil time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET state = 'running', lease_until = $2, started_at = COALESCE(started_at, now())
		WHERE id = $1 AND state = 'queued'`,
		id, leaseUntil)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress records the latest progress snapshot.
func (r *jobRepo) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET progress = $2, stage = $3
		WHERE id = $1 AND state = 'running'`,
		id, progress, stage)
	return err
}

// ExtendLease pushes the reclaim horizon for a job still making progress.
func (r *jobRepo) ExtendLease(ctx context.Context, id string, leaseUntil time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET lease_until = $2
		WHERE id = $1 AND state = 'running'`,
		id, leaseUntil)
	return err
}

// Finish records the terminal state and result.
func (r *jobRepo) Finish(ctx context.Context, id string, state models.BatchState, result json.RawMessage, errMsg *string) error {
	progress := 100
	if state == models.StateFailed || state == models.StateCancelled {
		progress = -1 // keep the last reported value
	}
	query := `
		UPDATE jobs
		SET state = $2,
		    result = $3,
		    error = $4,
		    progress = CASE WHEN $5 >= 0 THEN $5 ELSE progress END,
		    lease_until = NULL,
		    finished_at = now()
		WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, id, state, result, errMsg, progress)
	return err
}

// ReclaimExpired resets lapsed running jobs to queued for re-execution.
func (r *jobRepo) ReclaimExpired(ctx context.Context, now time.Time) ([]*models.Job, error) {
	query := `
		UPDATE jobs
		SET state = 'queued', lease_until = NULL, progress = 0, stage = ''
		WHERE state = 'running' AND lease_until IS NOT NULL AND lease_until < $1
		RETURNING ` + jobColumns

	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
