// Package caption generates platform-tuned hook texts for content pieces
// via an OpenAI-compatible chat backend.
package caption

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/retry"
)

// ErrCaptionUnavailable wraps any backend failure. Callers treat caption
// failures as non-fatal: the piece proceeds without a caption.
var ErrCaptionUnavailable = errors.New("caption backend unavailable")

// lengthBudgets caps caption length per target platform, in characters.
var lengthBudgets = map[models.Platform]int{
	models.PlatformInstagram: 150,
	models.PlatformTikTok:    100,
	models.PlatformX:         280,
	models.PlatformOnlyFans:  200,
}

// BudgetFor returns the caption length budget for a platform, falling back
// to the tightest budget for unknown platforms.
func BudgetFor(platform models.Platform) int {
	if b, ok := lengthBudgets[platform]; ok {
		return b
	}
	return 100
}

// Service produces captions. Implementations must be safe for concurrent
// use by pipeline workers.
type Service interface {
	// Caption returns one caption within the platform budget. At most two
	// attempts are made with a fixed delay between them.
	Caption(ctx context.Context, avatar *models.Avatar, piecePrompt string, platform models.Platform) (string, error)
	// Variations returns up to n distinct captions for the same prompt.
	Variations(ctx context.Context, avatar *models.Avatar, piecePrompt string, platform models.Platform, n int) ([]string, error)
	// CostPerCall is the configured unit price for one backend call.
	CostPerCall() float64
}

type service struct {
	cfg     config.CaptionsConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	retry   retry.Fixed
	logger  *slog.Logger
}

// NewService creates a caption service backed by the configured chat
// endpoint. The circuit breaker sheds load once the backend fails
// repeatedly; captions are optional, so shedding is cheap.
func NewService(cfg config.CaptionsConfig, client *http.Client, logger *slog.Logger) Service {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "caption-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &service{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		retry:   retry.Fixed{MaxAttempts: 2, Delay: 500 * time.Millisecond},
		logger:  logger,
	}
}

func (s *service) CostPerCall() float64 { return s.cfg.PriceUSDPerCall }

func (s *service) Caption(ctx context.Context, avatar *models.Avatar, piecePrompt string, platform models.Platform) (string, error) {
	out, err := s.Variations(ctx, avatar, piecePrompt, platform, 1)
	if err != nil {
		return "", err
	}
	return out[0], nil
}

func (s *service) Variations(ctx context.Context, avatar *models.Avatar, piecePrompt string, platform models.Platform, n int) ([]string, error) {
	if n < 1 {
		n = 1
	}
	budget := BudgetFor(platform)

	var captions []string
	err := s.retry.Do(ctx, func(ctx context.Context, _ int) error {
		res, err := s.breaker.Execute(func() (any, error) {
			return s.complete(ctx, avatar, piecePrompt, platform, budget, n)
		})
		if err != nil {
			return err
		}
		captions = res.([]string)
		return nil
	}, func(err error) bool {
		// An open breaker will not close within the fixed retry delay.
		return !errors.Is(err, gobreaker.ErrOpenState)
	})
	if err != nil {
		s.logger.Warn("caption generation failed",
			slog.String("platform", string(platform)),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrCaptionUnavailable, err)
	}
	return captions, nil
}

// chat wire types, OpenAI-compatible.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	N           int           `json:"n,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *service) complete(ctx context.Context, avatar *models.Avatar, piecePrompt string, platform models.Platform, budget, n int) ([]string, error) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(platform, budget)},
			{Role: "user", Content: userPrompt(avatar, piecePrompt)},
		},
		N:           n,
		MaxTokens:   120,
		Temperature: 0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal caption request: %w", err)
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create caption request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("caption backend returned http %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("malformed caption response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("caption backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("caption backend returned no choices")
	}

	out := make([]string, 0, len(parsed.Choices))
	for _, c := range parsed.Choices {
		text := Truncate(strings.TrimSpace(c.Message.Content), budget)
		if text != "" {
			out = append(out, text)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("caption backend returned only empty captions")
	}
	return out, nil
}

func systemPrompt(platform models.Platform, budget int) string {
	return fmt.Sprintf(
		"You write short, punchy social media captions for %s. "+
			"Reply with the caption text only, no quotes, at most %d characters.",
		platform, budget,
	)
}

func userPrompt(avatar *models.Avatar, piecePrompt string) string {
	var b strings.Builder
	b.WriteString("Write a caption for an image described as: ")
	b.WriteString(piecePrompt)
	if avatar != nil && avatar.Niche != "" {
		b.WriteString("\nThe creator's niche is ")
		b.WriteString(avatar.Niche)
		b.WriteString(".")
	}
	return b.String()
}

// Truncate shortens s to at most budget characters, cutting at the last
// word boundary when one exists. Budgets count runes, not bytes.
func Truncate(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	cut := string([]rune(s)[:budget])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ,;:")
}
