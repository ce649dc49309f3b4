package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/apierr"
	"github.com/lumeo-ai/contentforge/internal/provider"
	"github.com/lumeo-ai/contentforge/internal/safety"
	"github.com/lumeo-ai/contentforge/internal/service"
	"github.com/lumeo-ai/contentforge/internal/template"
)

// mockContentService scripts the service layer with per-method functions.
// Unset methods fail the test if called.
type mockContentService struct {
	t *testing.T

	generateOne        func(ctx context.Context, avatarID uuid.UUID, promptOrTemplate string, tierHint *models.Tier) (*models.ContentPiece, error)
	generateBatch      func(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.BatchResult, error)
	generateBatchAsync func(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.Job, error)
	jobStatus          func(ctx context.Context, jobID string) (*models.Job, error)
	jobResult          func(ctx context.Context, jobID string) (*models.BatchResult, error)
	listJobs           func(ctx context.Context, avatarID uuid.UUID, limit int) ([]*models.Job, error)
	listPieces         func(ctx context.Context, avatarID uuid.UUID, filters models.PieceFilters) ([]*models.ContentPiece, error)
	pieceStats         func(ctx context.Context, avatarID uuid.UUID) (*models.PieceStats, error)
	listTemplates      func(ctx context.Context, filter template.Filter) []template.Template
	generateCaptions   func(ctx context.Context, avatarID uuid.UUID, prompt string, platform models.Platform, n int) ([]string, error)
	checkSafety        func(ctx context.Context, prompt string, image []byte) (models.SafetyRating, safety.Scores, error)
	listProviders      func(ctx context.Context) []provider.Info
	getAvatar          func(ctx context.Context, avatarID uuid.UUID) (*models.Avatar, error)
	createAvatar       func(ctx context.Context, avatar *models.Avatar) error
	listAvatars        func(ctx context.Context, niche string, limit, offset int) ([]*models.Avatar, error)
}

func (m *mockContentService) GenerateOne(ctx context.Context, avatarID uuid.UUID, promptOrTemplate string, tierHint *models.Tier) (*models.ContentPiece, error) {
	if m.generateOne == nil {
		m.t.Fatal("unexpected GenerateOne call")
	}
	return m.generateOne(ctx, avatarID, promptOrTemplate, tierHint)
}

func (m *mockContentService) GenerateBatch(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.BatchResult, error) {
	if m.generateBatch == nil {
		m.t.Fatal("unexpected GenerateBatch call")
	}
	return m.generateBatch(ctx, avatarID, cfg)
}

func (m *mockContentService) GenerateBatchAsync(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.Job, error) {
	if m.generateBatchAsync == nil {
		m.t.Fatal("unexpected GenerateBatchAsync call")
	}
	return m.generateBatchAsync(ctx, avatarID, cfg)
}

func (m *mockContentService) JobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	if m.jobStatus == nil {
		m.t.Fatal("unexpected JobStatus call")
	}
	return m.jobStatus(ctx, jobID)
}

func (m *mockContentService) JobResult(ctx context.Context, jobID string) (*models.BatchResult, error) {
	if m.jobResult == nil {
		m.t.Fatal("unexpected JobResult call")
	}
	return m.jobResult(ctx, jobID)
}

func (m *mockContentService) ListJobs(ctx context.Context, avatarID uuid.UUID, limit int) ([]*models.Job, error) {
	if m.listJobs == nil {
		m.t.Fatal("unexpected ListJobs call")
	}
	return m.listJobs(ctx, avatarID, limit)
}

func (m *mockContentService) ListPieces(ctx context.Context, avatarID uuid.UUID, filters models.PieceFilters) ([]*models.ContentPiece, error) {
	if m.listPieces == nil {
		m.t.Fatal("unexpected ListPieces call")
	}
	return m.listPieces(ctx, avatarID, filters)
}

func (m *mockContentService) PieceStats(ctx context.Context, avatarID uuid.UUID) (*models.PieceStats, error) {
	if m.pieceStats == nil {
		m.t.Fatal("unexpected PieceStats call")
	}
	return m.pieceStats(ctx, avatarID)
}

func (m *mockContentService) ListTemplates(ctx context.Context, filter template.Filter) []template.Template {
	if m.listTemplates == nil {
		m.t.Fatal("unexpected ListTemplates call")
	}
	return m.listTemplates(ctx, filter)
}

func (m *mockContentService) GenerateCaptions(ctx context.Context, avatarID uuid.UUID, prompt string, platform models.Platform, n int) ([]string, error) {
	if m.generateCaptions == nil {
		m.t.Fatal("unexpected GenerateCaptions call")
	}
	return m.generateCaptions(ctx, avatarID, prompt, platform, n)
}

func (m *mockContentService) CheckSafety(ctx context.Context, prompt string, image []byte) (models.SafetyRating, safety.Scores, error) {
	if m.checkSafety == nil {
		m.t.Fatal("unexpected CheckSafety call")
	}
	return m.checkSafety(ctx, prompt, image)
}

func (m *mockContentService) ListProviders(ctx context.Context) []provider.Info {
	if m.listProviders == nil {
		m.t.Fatal("unexpected ListProviders call")
	}
	return m.listProviders(ctx)
}

func (m *mockContentService) GetAvatar(ctx context.Context, avatarID uuid.UUID) (*models.Avatar, error) {
	if m.getAvatar == nil {
		m.t.Fatal("unexpected GetAvatar call")
	}
	return m.getAvatar(ctx, avatarID)
}

func (m *mockContentService) CreateAvatar(ctx context.Context, avatar *models.Avatar) error {
	if m.createAvatar == nil {
		m.t.Fatal("unexpected CreateAvatar call")
	}
	return m.createAvatar(ctx, avatar)
}

func (m *mockContentService) ListAvatars(ctx context.Context, niche string, limit, offset int) ([]*models.Avatar, error) {
	if m.listAvatars == nil {
		m.t.Fatal("unexpected ListAvatars call")
	}
	return m.listAvatars(ctx, niche, limit, offset)
}

var _ service.ContentService = (*mockContentService)(nil)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta *struct {
		Limit  int   `json:"limit"`
		Offset int   `json:"offset"`
		Total  int64 `json:"total"`
	} `json:"meta"`
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

const testAvatarID = "11111111-2222-3333-4444-555555555555"

func TestGenerateOne(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.generateOne = func(ctx context.Context, avatarID uuid.UUID, promptOrTemplate string, tierHint *models.Tier) (*models.ContentPiece, error) {
		assert.Equal(t, testAvatarID, avatarID.String())
		assert.Equal(t, "gym mirror photo", promptOrTemplate)
		assert.Nil(t, tierHint)
		return &models.ContentPiece{ID: "piece-1", Tier: models.TierT1}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/generate",
		map[string]any{"prompt_or_template": "gym mirror photo"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Nil(t, env.Error)
	var piece models.ContentPiece
	require.NoError(t, json.Unmarshal(env.Data, &piece))
	assert.Equal(t, "piece-1", piece.ID)
}

func TestGenerateOneInvalidUUID(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/not-a-uuid/generate",
		map[string]any{"prompt_or_template": "x"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestGenerateOneMissingPrompt(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/generate",
		map[string]any{})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unprocessable", env.Error.Code)
}

func TestGenerateBatch(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.generateBatch = func(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.BatchResult, error) {
		assert.Equal(t, 4, cfg.NumPieces)
		return &models.BatchResult{BatchID: "b1", State: models.StateSucceeded}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/batches",
		map[string]any{
			"num_pieces": 4,
			"tier_mix":   map[string]float64{"T1": 0.5, "T2": 0.5},
		})

	assert.Equal(t, http.StatusOK, rec.Code)
	var result models.BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, models.StateSucceeded, result.State)
}

func TestGenerateBatchRejectsUnknownField(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/batches",
		`{"num_pieces": 4, "tier_mix": {"T1": 1.0}, "no_such_option": true}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.Contains(t, env.Error.Message, "no_such_option")
}

func TestGenerateBatchInvalidMix(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/batches",
		map[string]any{
			"num_pieces": 4,
			"tier_mix":   map[string]float64{"T1": 0.5, "T2": 0.2},
		})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
}

func TestGenerateBatchAsync(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.generateBatchAsync = func(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.Job, error) {
		return &models.Job{ID: "job-1", State: models.StateQueued}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/batches/async",
		map[string]any{
			"num_pieces": 20,
			"tier_mix":   map[string]float64{"T1": 1.0},
		})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(env.Data, &job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, models.StateQueued, job.State)
}

func TestGenerateBatchAsyncBusy(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.generateBatchAsync = func(ctx context.Context, avatarID uuid.UUID, cfg models.BatchConfig) (*models.Job, error) {
		return nil, apierr.ErrBusy
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/avatars/"+testAvatarID+"/batches/async",
		map[string]any{
			"num_pieces": 4,
			"tier_mix":   map[string]float64{"T1": 1.0},
		})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "busy", env.Error.Code)
}

func TestJobStatus(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.jobStatus = func(ctx context.Context, jobID string) (*models.Job, error) {
		assert.Equal(t, "job-1", jobID)
		return &models.Job{ID: jobID, State: models.StateRunning, Progress: 40}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodGet, "/jobs/job-1", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(env.Data, &job))
	assert.Equal(t, 40, job.Progress)
}

func TestJobStatusNotFound(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.jobStatus = func(ctx context.Context, jobID string) (*models.Job, error) {
		return nil, apierr.NewNotFoundError("Job")
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodGet, "/jobs/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestJobResult(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.jobResult = func(ctx context.Context, jobID string) (*models.BatchResult, error) {
		return &models.BatchResult{BatchID: "b1", State: models.StatePartiallySucceeded}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodGet, "/jobs/job-1/result", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result models.BatchResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, models.StatePartiallySucceeded, result.State)
}

func TestListTemplates(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.listTemplates = func(ctx context.Context, filter template.Filter) []template.Template {
		assert.Equal(t, "fitness", filter.Niche)
		require.NotNil(t, filter.Tier)
		assert.Equal(t, models.TierT2, *filter.Tier)
		return []template.Template{{ID: "fitness-t2-gym", Niche: "fitness", Tier: models.TierT2}}
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodGet, "/templates?niche=fitness&tier=T2", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var templates []template.Template
	require.NoError(t, json.Unmarshal(env.Data, &templates))
	require.Len(t, templates, 1)
	assert.Equal(t, "fitness-t2-gym", templates[0].ID)
}

func TestListTemplatesUnknownTier(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodGet, "/templates?tier=T9", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
}

func TestGenerateCaptions(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.generateCaptions = func(ctx context.Context, avatarID uuid.UUID, prompt string, platform models.Platform, n int) ([]string, error) {
		assert.Equal(t, models.PlatformTikTok, platform)
		assert.Equal(t, 2, n)
		return []string{"one", "two"}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/captions", map[string]any{
		"avatar_id":    testAvatarID,
		"prompt":       "gym mirror photo",
		"platform":     "tiktok",
		"n_variations": 2,
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Captions []string `json:"captions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, []string{"one", "two"}, body.Captions)
}

func TestGenerateCaptionsInvalidAvatarID(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/captions", map[string]any{
		"avatar_id": "nope",
		"prompt":    "x",
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "validation_error", env.Error.Code)
}

func TestCheckSafety(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.checkSafety = func(ctx context.Context, prompt string, image []byte) (models.SafetyRating, safety.Scores, error) {
		assert.Equal(t, "poolside photo", prompt)
		assert.Empty(t, image)
		return models.RatingSuggestive, safety.Scores{Sexual: 0.3}, nil
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/safety/check",
		map[string]any{"prompt": "poolside photo"})

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Rating models.SafetyRating `json:"rating"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, models.RatingSuggestive, body.Rating)
}

func TestCheckSafetyInvalidBase64(t *testing.T) {
	h := NewContentHandler(&mockContentService{t: t})

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/safety/check",
		map[string]any{"prompt": "x", "image_base64": "!!not-base64!!"})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
}

func TestCheckSafetyBackendDown(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.checkSafety = func(ctx context.Context, prompt string, image []byte) (models.SafetyRating, safety.Scores, error) {
		return "", safety.Scores{}, apierr.ErrBadGateway.WithMessage("Safety backend failed")
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodPost, "/safety/check",
		map[string]any{"prompt": "x"})

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "upstream_failed", env.Error.Code)
}

func TestListProviders(t *testing.T) {
	mock := &mockContentService{t: t}
	mock.listProviders = func(ctx context.Context) []provider.Info {
		return []provider.Info{{Name: "serverless"}, {Name: "managed"}}
	}
	h := NewContentHandler(mock)

	rec, env := doRequest(t, h.Routes(), http.MethodGet, "/providers", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var infos []provider.Info
	require.NoError(t, json.Unmarshal(env.Data, &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "serverless", infos[0].Name)
}
