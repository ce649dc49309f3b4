// Package handler provides HTTP handlers for the content production API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/apierr"
	"github.com/lumeo-ai/contentforge/internal/pkg/response"
	"github.com/lumeo-ai/contentforge/internal/service"
)

// AvatarHandler handles avatar-scoped HTTP requests.
type AvatarHandler struct {
	content  service.ContentService
	validate *validator.Validate
}

// NewAvatarHandler creates a new avatar handler.
func NewAvatarHandler(content service.ContentService) *AvatarHandler {
	return &AvatarHandler{
		content:  content,
		validate: validator.New(),
	}
}

// Routes returns a chi router with avatar routes.
func (h *AvatarHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/pieces", h.ListPieces)
	r.Get("/{id}/stats", h.Stats)
	r.Get("/{id}/jobs", h.ListJobs)

	return r
}

func avatarID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// CreateAvatarHTTPRequest is the HTTP request body for registering an avatar.
type CreateAvatarHTTPRequest struct {
	Niche          string          `json:"niche" validate:"required"`
	BasePrompt     string          `json:"base_prompt"`
	NegativePrompt string          `json:"negative_prompt"`
	TriggerToken   string          `json:"trigger_token" validate:"required"`
	WeightsURI     *string         `json:"weights_uri,omitempty"`
	DefaultScale   float64         `json:"default_scale" validate:"min=0,max=1"`
	DefaultConfig  json.RawMessage `json:"default_generation_config,omitempty"`
}

// Create handles POST /v1/avatars
func (h *AvatarHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAvatarHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierr.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierr.ErrUnprocessable.WithDetails(err.Error()))
		return
	}

	avatar := &models.Avatar{
		Niche:          req.Niche,
		BasePrompt:     req.BasePrompt,
		NegativePrompt: req.NegativePrompt,
		TriggerToken:   req.TriggerToken,
		WeightsURI:     req.WeightsURI,
		DefaultScale:   req.DefaultScale,
		DefaultConfig:  req.DefaultConfig,
	}
	if avatar.DefaultScale == 0 {
		avatar.DefaultScale = 0.8
	}
	if err := h.content.CreateAvatar(r.Context(), avatar); err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, avatar)
}

// Get handles GET /v1/avatars/{id}
func (h *AvatarHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}
	avatar, err := h.content.GetAvatar(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, avatar)
}

// List handles GET /v1/avatars
func (h *AvatarHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	avatars, err := h.content.ListAvatars(r.Context(), r.URL.Query().Get("niche"), limit, offset)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, avatars, &response.Meta{
		Limit:  limit,
		Offset: offset,
		Total:  int64(len(avatars)),
	})
}

// ListPieces handles GET /v1/avatars/{id}/pieces
func (h *AvatarHandler) ListPieces(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}

	q := r.URL.Query()
	var filters models.PieceFilters
	if v := q.Get("tier"); v != "" {
		tier := models.Tier(v)
		if !tier.Valid() {
			response.Error(w, apierr.NewValidationError("tier", "unknown tier"))
			return
		}
		filters.Tier = &tier
	}
	if v := q.Get("safety_rating"); v != "" {
		rating := models.SafetyRating(v)
		filters.SafetyRating = &rating
	}
	if v := q.Get("kind"); v != "" {
		kind := models.ContentKind(v)
		if !kind.Valid() {
			response.Error(w, apierr.NewValidationError("kind", "unknown kind"))
			return
		}
		filters.Kind = &kind
	}
	if v := q.Get("batch_id"); v != "" {
		filters.BatchID = &v
	}
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))

	pieces, err := h.content.ListPieces(r.Context(), id, filters)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, pieces, &response.Meta{
		Limit:  filters.Limit,
		Offset: filters.Offset,
		Total:  int64(len(pieces)),
	})
}

// Stats handles GET /v1/avatars/{id}/stats
func (h *AvatarHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}
	stats, err := h.content.PieceStats(r.Context(), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, stats)
}

// ListJobs handles GET /v1/avatars/{id}/jobs
func (h *AvatarHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := h.content.ListJobs(r.Context(), id, limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, jobs)
}
