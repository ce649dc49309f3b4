package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// AttemptRepository persists provider attempt telemetry.
type AttemptRepository interface {
	InsertMany(ctx context.Context, attempts []models.ProviderAttempt) error
	ListByBatch(ctx context.Context, batchID string) ([]models.ProviderAttempt, error)
}

type attemptRepo struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new provider attempt repository.
func NewAttemptRepository(pool *pgxpool.Pool) AttemptRepository {
	return &attemptRepo{pool: pool}
}

// InsertMany inserts attempt records in one round trip.
func (r *attemptRepo) InsertMany(ctx context.Context, attempts []models.ProviderAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO provider_attempts (batch_id, piece_index, provider, attempt_no, started_at, duration_ms, outcome, error_code, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`
	for _, a := range attempts {
		batch.Queue(query,
			a.BatchID,
			a.PieceIndex,
			a.Provider,
			a.AttemptNo,
			a.StartedAt,
			a.DurationMS,
			a.Outcome,
			a.ErrorCode,
			a.CostUSD,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range attempts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	return nil
}

// ListByBatch retrieves all attempts for a batch in dispatch order.
func (r *attemptRepo) ListByBatch(ctx context.Context, batchID string) ([]models.ProviderAttempt, error) {
	query := `
		SELECT batch_id, piece_index, provider, attempt_no, started_at, duration_ms, outcome, COALESCE(error_code, ''), cost_usd
		FROM provider_attempts
		WHERE batch_id = $1
		ORDER BY piece_index, started_at`

	rows, err := r.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.ProviderAttempt
	for rows.Next() {
		var a models.ProviderAttempt
		if err := rows.Scan(
			&a.BatchID,
			&a.PieceIndex,
			&a.Provider,
			&a.AttemptNo,
			&a.StartedAt,
			&a.DurationMS,
			&a.Outcome,
			&a.ErrorCode,
			&a.CostUSD,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
