package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// PieceRepository defines the interface for content piece data operations.
type PieceRepository interface {
	// InsertBatch inserts all pieces in a single transaction. Rows that
	// collide on (batch_id, piece_index) are skipped, which makes the call
	// idempotent under retry. Returns the number of rows actually inserted.
	InsertBatch(ctx context.Context, pieces []*models.ContentPiece) (int, error)
	GetByID(ctx context.Context, id string) (*models.ContentPiece, error)
	ListByAvatar(ctx context.Context, avatarID uuid.UUID, filters models.PieceFilters) ([]*models.ContentPiece, error)
	Stats(ctx context.Context, avatarID uuid.UUID) (*models.PieceStats, error)
}

type pieceRepo struct {
	pool *pgxpool.Pool
}

// NewPieceRepository creates a new content piece repository.
func NewPieceRepository(pool *pgxpool.Pool) PieceRepository {
	return &pieceRepo{pool: pool}
}

const pieceColumns = `id, avatar_id, kind, tier, url, caption, safety_rating, batch_id,
	       piece_index, generation_params, generation_cost_usd, generation_time_ms, created_at`

// InsertBatch inserts surviving pieces in one transaction.
func (r *pieceRepo) InsertBatch(ctx context.Context, pieces []*models.ContentPiece) (int, error) {
	if len(pieces) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin piece insert: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO content_pieces (id, avatar_id, kind, tier, url, caption, safety_rating, batch_id, piece_index, generation_params, generation_cost_usd, generation_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ON CONSTRAINT uq_content_pieces_batch_index DO NOTHING`

	inserted := 0
	for _, p := range pieces {
		tag, err := tx.Exec(ctx, query,
			p.ID,
			p.AvatarID,
			p.Kind,
			p.Tier,
			p.URL,
			p.Caption,
			p.SafetyRating,
			p.BatchID,
			p.PieceIndex,
			p.GenerationParams,
			p.GenerationCostUSD,
			p.GenerationTimeMS,
		)
		if err != nil {
			return 0, fmt.Errorf("insert piece %d: %w", p.PieceIndex, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit piece insert: %w", err)
	}
	return inserted, nil
}

// GetByID retrieves one piece. Returns (nil, nil) when absent.
func (r *pieceRepo) GetByID(ctx context.Context, id string) (*models.ContentPiece, error) {
	query := `SELECT ` + pieceColumns + ` FROM content_pieces WHERE id = $1`

	var piece models.ContentPiece
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&piece.ID,
		&piece.AvatarID,
		&piece.Kind,
		&piece.Tier,
		&piece.URL,
		&piece.Caption,
		&piece.SafetyRating,
		&piece.BatchID,
		&piece.PieceIndex,
		&piece.GenerationParams,
		&piece.GenerationCostUSD,
		&piece.GenerationTimeMS,
		&piece.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &piece, nil
}

// ListByAvatar retrieves pieces for one avatar with optional filters,
// ordered by batch and selection index for reproducibility.
func (r *pieceRepo) ListByAvatar(ctx context.Context, avatarID uuid.UUID, filters models.PieceFilters) ([]*models.ContentPiece, error) {
	conditions := []string{"avatar_id = $1"}
	args := []any{avatarID}

	if filters.Tier != nil {
		args = append(args, *filters.Tier)
		conditions = append(conditions, fmt.Sprintf("tier = $%d", len(args)))
	}
	if filters.SafetyRating != nil {
		args = append(args, *filters.SafetyRating)
		conditions = append(conditions, fmt.Sprintf("safety_rating = $%d", len(args)))
	}
	if filters.Kind != nil {
		args = append(args, *filters.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filters.BatchID != nil {
		args = append(args, *filters.BatchID)
		conditions = append(conditions, fmt.Sprintf("batch_id = $%d", len(args)))
	}

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	limitArg := len(args)
	args = append(args, filters.Offset)
	offsetArg := len(args)

	query := fmt.Sprintf(`SELECT %s
		FROM content_pieces
		WHERE %s
		ORDER BY batch_id DESC, piece_index ASC
		LIMIT $%d OFFSET $%d`,
		pieceColumns, strings.Join(conditions, " AND "), limitArg, offsetArg)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pieces []*models.ContentPiece
	for rows.Next() {
		var piece models.ContentPiece
		if err := rows.Scan(
			&piece.ID,
			&piece.AvatarID,
			&piece.Kind,
			&piece.Tier,
			&piece.URL,
			&piece.Caption,
			&piece.SafetyRating,
			&piece.BatchID,
			&piece.PieceIndex,
			&piece.GenerationParams,
			&piece.GenerationCostUSD,
			&piece.GenerationTimeMS,
			&piece.CreatedAt,
		); err != nil {
			return nil, err
		}
		pieces = append(pieces, &piece)
	}
	return pieces, rows.Err()
}

// Stats aggregates one avatar's persisted pieces.
func (r *pieceRepo) Stats(ctx context.Context, avatarID uuid.UUID) (*models.PieceStats, error) {
	stats := &models.PieceStats{
		ByTier:   make(map[models.Tier]int64),
		ByRating: make(map[models.SafetyRating]int64),
	}

	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(generation_cost_usd), 0),
		       COALESCE(AVG(generation_time_ms), 0)
		FROM content_pieces WHERE avatar_id = $1`, avatarID,
	).Scan(&stats.Total, &stats.TotalCostUSD, &stats.AvgTimeMS)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT tier, COUNT(*) FROM content_pieces
		WHERE avatar_id = $1 GROUP BY tier`, avatarID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tier models.Tier
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		stats.ByTier[tier] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ratingRows, err := r.pool.Query(ctx, `
		SELECT safety_rating, COUNT(*) FROM content_pieces
		WHERE avatar_id = $1 AND safety_rating IS NOT NULL GROUP BY safety_rating`, avatarID)
	if err != nil {
		return nil, err
	}
	defer ratingRows.Close()
	for ratingRows.Next() {
		var rating models.SafetyRating
		var count int64
		if err := ratingRows.Scan(&rating, &count); err != nil {
			return nil, err
		}
		stats.ByRating[rating] = count
	}
	return stats, ratingRows.Err()
}
