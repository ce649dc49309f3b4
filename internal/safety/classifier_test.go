package safety

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/models"
)

func TestRate(t *testing.T) {
	tests := []struct {
		name   string
		scores Scores
		want   models.SafetyRating
	}{
		{"all low", Scores{Sexual: 0.05, Violence: 0.02}, models.RatingSafe},
		{"safe boundary exclusive", Scores{Sexual: 0.20, Violence: 0.05}, models.RatingSuggestive},
		{"suggestive", Scores{Sexual: 0.45, Violence: 0.15}, models.RatingSuggestive},
		{"violence pushes out of safe", Scores{Sexual: 0.05, Violence: 0.15}, models.RatingSuggestive},
		{"borderline", Scores{Sexual: 0.75, Violence: 0.40}, models.RatingBorderline},
		{"rejected sexual", Scores{Sexual: 0.95}, models.RatingRejected},
		{"rejected violence", Scores{Sexual: 0.10, Violence: 0.60}, models.RatingRejected},
		{"hate blocks safe only", Scores{Sexual: 0.05, Violence: 0.02, Hate: 0.55}, models.RatingSuggestive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rate(tt.scores))
		})
	}
}

func moderationServer(t *testing.T, scores Scores, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/moderations", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req moderationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		json.NewEncoder(w).Encode(moderationResponse{Scores: scores})
	}))
}

func newTestClassifier(t *testing.T, baseURL string) Classifier {
	t.Helper()
	c, err := NewClassifier(config.SafetyConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		RequestTimeout: 5 * time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestClassifierClassify(t *testing.T) {
	var calls atomic.Int64
	srv := moderationServer(t, Scores{Sexual: 0.45, Violence: 0.1}, &calls)
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)

	rating, scores, err := c.Classify(context.Background(), "poolside photo", nil)
	require.NoError(t, err)
	assert.Equal(t, models.RatingSuggestive, rating)
	assert.InDelta(t, 0.45, scores.Sexual, 1e-9)
}

func TestClassifierCachesPromptOnlyResults(t *testing.T) {
	var calls atomic.Int64
	srv := moderationServer(t, Scores{Sexual: 0.05}, &calls)
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)

	for i := 0; i < 3; i++ {
		rating, _, err := c.Classify(context.Background(), "same prompt", nil)
		require.NoError(t, err)
		assert.Equal(t, models.RatingSafe, rating)
	}
	assert.Equal(t, int64(1), calls.Load())

	// A different prompt misses the cache.
	_, _, err := c.Classify(context.Background(), "other prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClassifierDoesNotCacheImageResults(t *testing.T) {
	var calls atomic.Int64
	srv := moderationServer(t, Scores{Sexual: 0.05}, &calls)
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)

	image := []byte{0x89, 0x50, 0x4e, 0x47}
	for i := 0; i < 2; i++ {
		_, _, err := c.Classify(context.Background(), "prompt", image)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestClassifierBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)

	_, _, err := c.Classify(context.Background(), "prompt", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSafetyUnavailable)
}

func TestClassifierBackendErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model overloaded"},
		})
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)

	_, _, err := c.Classify(context.Background(), "prompt", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSafetyUnavailable)
	assert.Contains(t, err.Error(), "model overloaded")
}
