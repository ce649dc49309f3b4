package handler

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/apierr"
	"github.com/lumeo-ai/contentforge/internal/pkg/response"
	"github.com/lumeo-ai/contentforge/internal/service"
	"github.com/lumeo-ai/contentforge/internal/template"
)

// ContentHandler handles generation, job, template, caption, and safety
// HTTP requests.
type ContentHandler struct {
	content  service.ContentService
	validate *validator.Validate
}

// NewContentHandler creates a new content handler.
func NewContentHandler(content service.ContentService) *ContentHandler {
	return &ContentHandler{
		content:  content,
		validate: validator.New(),
	}
}

// Routes returns a chi router with generation routes.
func (h *ContentHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/avatars/{id}/generate", h.GenerateOne)
	r.Post("/avatars/{id}/batches", h.GenerateBatch)
	r.Post("/avatars/{id}/batches/async", h.GenerateBatchAsync)
	r.Get("/jobs/{job_id}", h.JobStatus)
	r.Get("/jobs/{job_id}/result", h.JobResult)
	r.Get("/templates", h.ListTemplates)
	r.Post("/captions", h.GenerateCaptions)
	r.Post("/safety/check", h.CheckSafety)
	r.Get("/providers", h.ListProviders)

	return r
}

// GenerateOneHTTPRequest is the HTTP request body for single-piece
// generation.
type GenerateOneHTTPRequest struct {
	PromptOrTemplate string       `json:"prompt_or_template" validate:"required"`
	TierHint         *models.Tier `json:"tier_hint,omitempty"`
}

// GenerateOne handles POST /v1/avatars/{id}/generate
func (h *ContentHandler) GenerateOne(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}
	var req GenerateOneHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierr.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierr.ErrUnprocessable.WithDetails(err.Error()))
		return
	}

	piece, err := h.content.GenerateOne(r.Context(), id, req.PromptOrTemplate, req.TierHint)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, piece)
}

func (h *ContentHandler) decodeBatchConfig(w http.ResponseWriter, r *http.Request) (*models.BatchConfig, bool) {
	var cfg models.BatchConfig
	decoder := json.NewDecoder(r.Body)
	// The configuration record is closed; unknown options are rejected.
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		response.Error(w, apierr.ErrBadRequest.WithMessage("Invalid batch config: "+err.Error()))
		return nil, false
	}
	if err := h.validate.Struct(cfg); err != nil {
		response.Error(w, apierr.ErrUnprocessable.WithDetails(err.Error()))
		return nil, false
	}
	if err := cfg.Validate(); err != nil {
		response.Error(w, apierr.ErrUnprocessable.WithMessage(err.Error()))
		return nil, false
	}
	return &cfg, true
}

// GenerateBatch handles POST /v1/avatars/{id}/batches
func (h *ContentHandler) GenerateBatch(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}
	cfg, ok := h.decodeBatchConfig(w, r)
	if !ok {
		return
	}

	result, err := h.content.GenerateBatch(r.Context(), id, *cfg)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, result)
}

// GenerateBatchAsync handles POST /v1/avatars/{id}/batches/async
func (h *ContentHandler) GenerateBatchAsync(w http.ResponseWriter, r *http.Request) {
	id, err := avatarID(r)
	if err != nil {
		response.Error(w, apierr.NewValidationError("id", "invalid UUID format"))
		return
	}
	cfg, ok := h.decodeBatchConfig(w, r)
	if !ok {
		return
	}

	job, err := h.content.GenerateBatchAsync(r.Context(), id, *cfg)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Accepted(w, job)
}

// JobStatus handles GET /v1/jobs/{job_id}
func (h *ContentHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.content.JobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, job)
}

// JobResult handles GET /v1/jobs/{job_id}/result
func (h *ContentHandler) JobResult(w http.ResponseWriter, r *http.Request) {
	result, err := h.content.JobResult(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, result)
}

// ListTemplates handles GET /v1/templates
func (h *ContentHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := template.Filter{Niche: q.Get("niche")}
	if v := q.Get("tier"); v != "" {
		tier := models.Tier(v)
		if !tier.Valid() {
			response.Error(w, apierr.NewValidationError("tier", "unknown tier"))
			return
		}
		filter.Tier = &tier
	}
	response.OK(w, h.content.ListTemplates(r.Context(), filter))
}

// GenerateCaptionsHTTPRequest is the HTTP request body for caption
// variations.
type GenerateCaptionsHTTPRequest struct {
	AvatarID   string          `json:"avatar_id" validate:"required"`
	Prompt     string          `json:"prompt" validate:"required"`
	Platform   models.Platform `json:"platform,omitempty"`
	Variations int             `json:"n_variations,omitempty"`
}

// GenerateCaptions handles POST /v1/captions
func (h *ContentHandler) GenerateCaptions(w http.ResponseWriter, r *http.Request) {
	var req GenerateCaptionsHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierr.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierr.ErrUnprocessable.WithDetails(err.Error()))
		return
	}
	id, err := uuid.Parse(req.AvatarID)
	if err != nil {
		response.Error(w, apierr.NewValidationError("avatar_id", "invalid UUID format"))
		return
	}

	captions, err := h.content.GenerateCaptions(r.Context(), id, req.Prompt, req.Platform, req.Variations)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"captions": captions})
}

// CheckSafetyHTTPRequest is the HTTP request body for ad-hoc safety checks.
type CheckSafetyHTTPRequest struct {
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

// CheckSafety handles POST /v1/safety/check
func (h *ContentHandler) CheckSafety(w http.ResponseWriter, r *http.Request) {
	var req CheckSafetyHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierr.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	var image []byte
	if req.ImageBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			response.Error(w, apierr.NewValidationError("image_base64", "invalid base64"))
			return
		}
		image = decoded
	}

	rating, scores, err := h.content.CheckSafety(r.Context(), req.Prompt, image)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, map[string]any{"rating": rating, "scores": scores})
}

// ListProviders handles GET /v1/providers
func (h *ContentHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.content.ListProviders(r.Context()))
}
