package caption

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/models"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		budget int
		want   string
	}{
		{"fits", "short caption", 100, "short caption"},
		{"cuts at word boundary", "golden hour glow never looked this good", 20, "golden hour glow"},
		{"strips trailing punctuation", "sunset vibes, beach days,", 24, "sunset vibes, beach"},
		{"no space inside budget", "supercalifragilistic", 10, "supercalif"},
		{"zero budget passes through", "anything", 0, "anything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.budget)
			assert.Equal(t, tt.want, got)
			if tt.budget > 0 {
				assert.LessOrEqual(t, len(got), tt.budget)
			}
		})
	}
}

func TestTruncateMultibyte(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		budget int
		want   string
	}{
		{"accented no space", "naïveté", 4, "naïv"},
		{"accented at word boundary", "été à la plage ensoleillée", 10, "été à la"},
		{"emoji only", strings.Repeat("🔥", 10), 5, strings.Repeat("🔥", 5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.budget)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, utf8.RuneCountInString(got), tt.budget)
		})
	}
}

func TestBudgetFor(t *testing.T) {
	assert.Equal(t, 150, BudgetFor(models.PlatformInstagram))
	assert.Equal(t, 100, BudgetFor(models.PlatformTikTok))
	assert.Equal(t, 280, BudgetFor(models.PlatformX))
	assert.Equal(t, 200, BudgetFor(models.PlatformOnlyFans))
	assert.Equal(t, 100, BudgetFor(models.Platform("unknown")))
}

func testAvatar() *models.Avatar {
	return &models.Avatar{Niche: "fitness", TriggerToken: "sks_person"}
}

func chatServer(t *testing.T, captions []string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		var resp chatResponse
		for _, c := range captions {
			resp.Choices = append(resp.Choices, struct {
				Message chatMessage `json:"message"`
			}{Message: chatMessage{Role: "assistant", Content: c}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestService(baseURL string) Service {
	return NewService(config.CaptionsConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		Model:          "gpt-4o-mini",
		RequestTimeout: 5 * time.Second,
	}, nil, nil)
}

func TestCaption(t *testing.T) {
	var calls atomic.Int64
	srv := chatServer(t, []string{"Post-workout glow hits different"}, &calls)
	defer srv.Close()

	s := newTestService(srv.URL)

	text, err := s.Caption(context.Background(), testAvatar(), "gym mirror photo", models.PlatformInstagram)
	require.NoError(t, err)
	assert.Equal(t, "Post-workout glow hits different", text)
	assert.Equal(t, int64(1), calls.Load())
}

func TestVariationsTruncatesToBudget(t *testing.T) {
	long := strings.Repeat("word ", 80)
	var calls atomic.Int64
	srv := chatServer(t, []string{long, "short one"}, &calls)
	defer srv.Close()

	s := newTestService(srv.URL)

	out, err := s.Variations(context.Background(), testAvatar(), "gym mirror photo", models.PlatformTikTok, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, c := range out {
		assert.LessOrEqual(t, len(c), BudgetFor(models.PlatformTikTok))
	}
}

func TestVariationsRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "second try"}},
			},
		})
	}))
	defer srv.Close()

	s := newTestService(srv.URL)

	out, err := s.Variations(context.Background(), testAvatar(), "prompt", models.PlatformX, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"second try"}, out)
	assert.Equal(t, int64(2), calls.Load())
}

func TestVariationsBackendDown(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newTestService(srv.URL)

	_, err := s.Variations(context.Background(), testAvatar(), "prompt", models.PlatformX, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptionUnavailable)
	// Two attempts, no more.
	assert.Equal(t, int64(2), calls.Load())
}

func TestVariationsEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	s := newTestService(srv.URL)

	_, err := s.Variations(context.Background(), testAvatar(), "prompt", models.PlatformInstagram, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCaptionUnavailable)
}
