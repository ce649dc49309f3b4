// Package service implements the control API consumed by the HTTP layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lumeo-ai/contentforge/internal/caption"
	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/jobs"
	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pipeline"
	"github.com/lumeo-ai/contentforge/internal/pkg/apierr"
	"github.com/lumeo-ai/contentforge/internal/provider"
	"github.com/lumeo-ai/contentforge/internal/repository"
	"github.com/lumeo-ai/contentforge/internal/safety"
	"github.com/lumeo-ai/contentforge/internal/template"
)

// ContentService is the control API. Every method returns *apierr.APIError
// style failures via the error value so the HTTP layer can map status codes
// without inspecting internals.
type ContentService interface {
	GenerateOne(ctx context.Context, avatarID uuid.UUID, promptOrTemplate string, tierHint *models.Tier) (*models.ContentPiece, error)
	GenerateBatch(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.BatchResult, error)
	GenerateBatchAsync(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.Job, error)
	JobStatus(ctx context.Context, jobID string) (*models.Job, error)
	JobResult(ctx context.Context, jobID string) (*models.BatchResult, error)
	ListJobs(ctx context.Context, avatarID uuid.UUID, limit int) ([]*models.Job, error)
	ListPieces(ctx context.Context, avatarID uuid.UUID, filters models.PieceFilters) ([]*models.ContentPiece, error)
	PieceStats(ctx context.Context, avatarID uuid.UUID) (*models.PieceStats, error)
	ListTemplates(ctx context.Context, filter template.Filter) []template.Template
	GenerateCaptions(ctx context.Context, avatarID uuid.UUID, prompt string, platform models.Platform, n int) ([]string, error)
	CheckSafety(ctx context.Context, prompt string, image []byte) (models.SafetyRating, safety.Scores, error)
	ListProviders(ctx context.Context) []provider.Info
	GetAvatar(ctx context.Context, avatarID uuid.UUID) (*models.Avatar, error)
	CreateAvatar(ctx context.Context, avatar *models.Avatar) error
	ListAvatars(ctx context.Context, niche string, limit, offset int) ([]*models.Avatar, error)
}

type contentService struct {
	avatars    repository.AvatarRepository
	pieces     repository.PieceRepository
	templates  *template.Library
	captions   caption.Service
	classifier safety.Classifier
	router     *provider.Router
	manager    *jobs.Manager
	jobsCfg    config.JobsConfig
	logger     *slog.Logger
}

// Deps carries the service collaborators.
type Deps struct {
	Avatars    repository.AvatarRepository
	Pieces     repository.PieceRepository
	Templates  *template.Library
	Captions   caption.Service
	Classifier safety.Classifier
	Router     *provider.Router
	Manager    *jobs.Manager
	JobsCfg    config.JobsConfig
	Logger     *slog.Logger
}

// NewContentService creates the control API implementation.
func NewContentService(deps Deps) ContentService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &contentService{
		avatars:    deps.Avatars,
		pieces:     deps.Pieces,
		templates:  deps.Templates,
		captions:   deps.Captions,
		classifier: deps.Classifier,
		router:     deps.Router,
		manager:    deps.Manager,
		jobsCfg:    deps.JobsCfg,
		logger:     logger,
	}
}

// getAvatar resolves an avatar or the 404-class error.
func (s *contentService) getAvatar(ctx context.Context, id uuid.UUID) (*models.Avatar, error) {
	avatar, err := s.avatars.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("avatar lookup failed", slog.String("avatar_id", id.String()), slog.String("error", err.Error()))
		return nil, apierr.ErrInternal
	}
	if avatar == nil {
		return nil, apierr.NewNotFoundError("Avatar")
	}
	return avatar, nil
}

// GenerateOne produces a single piece synchronously. promptOrTemplate is a
// template id when it matches the catalog, otherwise a custom prompt.
func (s *contentService) GenerateOne(ctx context.Context, avatarID uuid.UUID, promptOrTemplate string, tierHint *models.Tier) (*models.ContentPiece, error) {
	avatar, err := s.getAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	if promptOrTemplate == "" {
		return nil, apierr.NewValidationError("prompt_or_template", "must not be empty")
	}

	cfg := models.BatchConfig{
		NumPieces:     1,
		CustomPrompts: []string{promptOrTemplate},
		TierMix:       models.TierMix{models.TierT1: 1.0},
	}
	if tpl, ok := s.templates.Get(promptOrTemplate); ok {
		cfg.CustomPrompts = []string{tpl.Render(avatar)}
		cfg.CustomTiers = []models.Tier{tpl.Tier}
	}
	if tierHint != nil {
		if !tierHint.Valid() {
			return nil, apierr.NewValidationError("tier_hint", fmt.Sprintf("unknown tier %q", *tierHint))
		}
		cfg.CustomTiers = []models.Tier{*tierHint}
	}

	result, err := s.manager.SubmitSync(ctx, avatar, cfg)
	if err != nil {
		return nil, s.mapBatchError(err)
	}
	if len(result.Pieces) == 0 {
		reason := models.DropAllProvidersFailed
		if len(result.Dropped) > 0 {
			reason = result.Dropped[0].Reason
		}
		return nil, mapDropReason(reason)
	}
	return result.Pieces[0], nil
}

// GenerateBatch runs a batch synchronously, subject to the sync piece limit
// and duration cap.
func (s *contentService) GenerateBatch(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.BatchResult, error) {
	avatar, err := s.getAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	result, err := s.manager.SubmitSync(ctx, avatar, cfg)
	if err != nil {
		return nil, s.mapBatchError(err)
	}
	return result, nil
}

// GenerateBatchAsync enqueues a batch and returns its job handle.
func (s *contentService) GenerateBatchAsync(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.Job, error) {
	avatar, err := s.getAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	job, err := s.manager.Submit(ctx, avatar, cfg)
	if err != nil {
		return nil, s.mapBatchError(err)
	}
	return job, nil
}

func (s *contentService) JobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.manager.Status(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			return nil, apierr.NewNotFoundError("Job")
		}
		s.logger.Error("job status failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return nil, apierr.ErrInternal
	}
	return job, nil
}

func (s *contentService) JobResult(ctx context.Context, jobID string) (*models.BatchResult, error) {
	result, err := s.manager.Result(ctx, jobID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrJobNotFound):
			return nil, apierr.NewNotFoundError("Job")
		case errors.Is(err, jobs.ErrJobNotTerminal):
			return nil, apierr.ErrBadRequest.WithMessage("Job has not finished; poll status first")
		default:
			s.logger.Error("job result failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
			return nil, apierr.ErrInternal
		}
	}
	return result, nil
}

func (s *contentService) ListJobs(ctx context.Context, avatarID uuid.UUID, limit int) ([]*models.Job, error) {
	avatar, err := s.getAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	list, err := s.manager.List(ctx, avatar, limit)
	if err != nil {
		s.logger.Error("job list failed", slog.String("error", err.Error()))
		return nil, apierr.ErrInternal
	}
	return list, nil
}

func (s *contentService) ListPieces(ctx context.Context, avatarID uuid.UUID, filters models.PieceFilters) ([]*models.ContentPiece, error) {
	if _, err := s.getAvatar(ctx, avatarID); err != nil {
		return nil, err
	}
	pieces, err := s.pieces.ListByAvatar(ctx, avatarID, filters)
	if err != nil {
		s.logger.Error("piece list failed", slog.String("error", err.Error()))
		return nil, apierr.ErrInternal
	}
	return pieces, nil
}

func (s *contentService) PieceStats(ctx context.Context, avatarID uuid.UUID) (*models.PieceStats, error) {
	if _, err := s.getAvatar(ctx, avatarID); err != nil {
		return nil, err
	}
	stats, err := s.pieces.Stats(ctx, avatarID)
	if err != nil {
		s.logger.Error("piece stats failed", slog.String("error", err.Error()))
		return nil, apierr.ErrInternal
	}
	return stats, nil
}

func (s *contentService) ListTemplates(_ context.Context, filter template.Filter) []template.Template {
	return s.templates.List(filter)
}

func (s *contentService) GenerateCaptions(ctx context.Context, avatarID uuid.UUID, prompt string, platform models.Platform, n int) ([]string, error) {
	avatar, err := s.getAvatar(ctx, avatarID)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		return nil, apierr.NewValidationError("prompt", "must not be empty")
	}
	if platform != "" && !platform.Valid() {
		return nil, apierr.NewValidationError("platform", fmt.Sprintf("unknown platform %q", platform))
	}
	if platform == "" {
		platform = models.PlatformInstagram
	}
	if n < 1 || n > 10 {
		n = 3
	}
	captions, err := s.captions.Variations(ctx, avatar, prompt, platform, n)
	if err != nil {
		return nil, apierr.ErrBadGateway.WithMessage("Caption backend failed")
	}
	return captions, nil
}

func (s *contentService) CheckSafety(ctx context.Context, prompt string, image []byte) (models.SafetyRating, safety.Scores, error) {
	if prompt == "" && len(image) == 0 {
		return "", safety.Scores{}, apierr.NewValidationError("prompt", "prompt or image required")
	}
	rating, scores, err := s.classifier.Classify(ctx, prompt, image)
	if err != nil {
		return "", safety.Scores{}, apierr.ErrBadGateway.WithMessage("Safety backend failed")
	}
	return rating, scores, nil
}

func (s *contentService) ListProviders(_ context.Context) []provider.Info {
	return s.router.Providers()
}

func (s *contentService) GetAvatar(ctx context.Context, avatarID uuid.UUID) (*models.Avatar, error) {
	return s.getAvatar(ctx, avatarID)
}

func (s *contentService) CreateAvatar(ctx context.Context, avatar *models.Avatar) error {
	if avatar.TriggerToken == "" {
		return apierr.NewValidationError("trigger_token", "must not be empty")
	}
	if avatar.DefaultScale < 0 || avatar.DefaultScale > 1 {
		return apierr.NewValidationError("default_scale", "must be in [0,1]")
	}
	if err := s.avatars.Create(ctx, avatar); err != nil {
		s.logger.Error("avatar create failed", slog.String("error", err.Error()))
		return apierr.ErrInternal
	}
	return nil
}

func (s *contentService) ListAvatars(ctx context.Context, niche string, limit, offset int) ([]*models.Avatar, error) {
	list, err := s.avatars.List(ctx, niche, limit, offset)
	if err != nil {
		s.logger.Error("avatar list failed", slog.String("error", err.Error()))
		return nil, apierr.ErrInternal
	}
	return list, nil
}

// mapBatchError translates submission and execution failures into API
// errors with the right status class.
func (s *contentService) mapBatchError(err error) error {
	var invalid *provider.InvalidRequestError
	switch {
	case errors.Is(err, pipeline.ErrMissingWeights):
		return apierr.ErrMissingWeights
	case errors.Is(err, jobs.ErrBusy):
		return apierr.ErrBusy
	case errors.Is(err, jobs.ErrTooLargeForSync):
		return apierr.ErrBadRequest.WithMessage("Batch too large for synchronous execution; use the async endpoint")
	case errors.Is(err, jobs.ErrSyncTimeout):
		return apierr.ErrBadRequest.WithMessage("Batch exceeded the synchronous time cap; use the async endpoint")
	case errors.As(err, &invalid):
		return apierr.NewValidationError(invalid.Field, invalid.Reason)
	case errors.Is(err, provider.ErrNoProviderAvailable):
		return apierr.ErrBadGateway.WithMessage("No generation provider available")
	}
	var allFailed *provider.AllProvidersFailedError
	if errors.As(err, &allFailed) {
		return apierr.ErrBadGateway
	}
	// Config shape problems surface as plain errors from Validate.
	var api *apierr.APIError
	if errors.As(err, &api) {
		return api
	}
	s.logger.Error("batch submission failed", slog.String("error", err.Error()))
	return apierr.ErrBadRequest.WithMessage(err.Error())
}

// mapDropReason turns a single-piece drop into the API error the HTTP
// layer should surface for generate_one.
func mapDropReason(reason string) error {
	switch reason {
	case models.DropAllProvidersFailed:
		return apierr.ErrBadGateway.WithMessage("All generation providers failed")
	case models.DropUploadFailed:
		return apierr.ErrBadGateway.WithMessage("Storage upload failed")
	case models.DropRejectedBySafety:
		return apierr.ErrUnprocessable.WithMessage("Content rejected by safety classification")
	case models.DropSafetyUnavailable:
		return apierr.ErrBadGateway.WithMessage("Safety backend unavailable")
	default:
		return apierr.ErrInternal
	}
}
