// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumeo-ai/contentforge/internal/models"
)

// AvatarRepository defines the interface for avatar data operations.
type AvatarRepository interface {
	Create(ctx context.Context, avatar *models.Avatar) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Avatar, error)
	List(ctx context.Context, niche string, limit, offset int) ([]*models.Avatar, error)
	Update(ctx context.Context, avatar *models.Avatar) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type avatarRepo struct {
	pool *pgxpool.Pool
}

// NewAvatarRepository creates a new avatar repository.
func NewAvatarRepository(pool *pgxpool.Pool) AvatarRepository {
	return &avatarRepo{pool: pool}
}

const avatarColumns = `id, niche, base_prompt, negative_prompt, trigger_token, weights_uri,
	       default_scale, default_generation_config, created_at, updated_at`

// Create inserts a new avatar.
func (r *avatarRepo) Create(ctx context.Context, avatar *models.Avatar) error {
	query := `
		INSERT INTO avatars (id, niche, base_prompt, negative_prompt, trigger_token, weights_uri, default_scale, default_generation_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`

	if avatar.ID == uuid.Nil {
		avatar.ID = uuid.New()
	}

	return r.pool.QueryRow(ctx, query,
		avatar.ID,
		avatar.Niche,
		avatar.BasePrompt,
		avatar.NegativePrompt,
		avatar.TriggerToken,
		avatar.WeightsURI,
		avatar.DefaultScale,
		avatar.DefaultConfig,
	).Scan(&avatar.CreatedAt, &avatar.UpdatedAt)
}

// GetByID retrieves an avatar by its UUID. Returns (nil, nil) when absent.
func (r *avatarRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Avatar, error) {
	query := `SELECT ` + avatarColumns + ` FROM avatars WHERE id = $1`

	var avatar models.Avatar
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&avatar.ID,
		&avatar.Niche,
		&avatar.BasePrompt,
		&avatar.NegativePrompt,
		&avatar.TriggerToken,
		&avatar.WeightsURI,
		&avatar.DefaultScale,
		&avatar.DefaultConfig,
		&avatar.CreatedAt,
		&avatar.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &avatar, nil
}

// List retrieves avatars, optionally filtered by niche.
func (r *avatarRepo) List(ctx context.Context, niche string, limit, offset int) ([]*models.Avatar, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + avatarColumns + `
		FROM avatars
		WHERE ($1 = '' OR niche = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, niche, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var avatars []*models.Avatar
	for rows.Next() {
		var avatar models.Avatar
		if err := rows.Scan(
			&avatar.ID,
			&avatar.Niche,
			&avatar.BasePrompt,
			&avatar.NegativePrompt,
			&avatar.TriggerToken,
			&avatar.WeightsURI,
			&avatar.DefaultScale,
			&avatar.DefaultConfig,
			&avatar.CreatedAt,
			&avatar.UpdatedAt,
		); err != nil {
			return nil, err
		}
		avatars = append(avatars, &avatar)
	}
	return avatars, rows.Err()
}

// Update persists mutable avatar fields.
func (r *avatarRepo) Update(ctx context.Context, avatar *models.Avatar) error {
	query := `
		UPDATE avatars
		SET niche = $2, base_prompt = $3, negative_prompt = $4, trigger_token = $5,
		    weights_uri = $6, default_scale = $7, default_generation_config = $8,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	return r.pool.QueryRow(ctx, query,
		avatar.ID,
		avatar.Niche,
		avatar.BasePrompt,
		avatar.NegativePrompt,
		avatar.TriggerToken,
		avatar.WeightsURI,
		avatar.DefaultScale,
		avatar.DefaultConfig,
	).Scan(&avatar.UpdatedAt)
}

// Delete removes an avatar permanently.
func (r *avatarRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM avatars WHERE id = $1`, id)
	return err
}
