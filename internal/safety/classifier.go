// Package safety scores content against a fixed moderation taxonomy and
// maps scores onto distribution ratings.
package safety

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/models"
)

// ErrSafetyUnavailable wraps transient moderation backend failures.
var ErrSafetyUnavailable = errors.New("safety backend unavailable")

// Scores is the fixed score vector, each dimension in [0, 1].
type Scores struct {
	Sexual     float64 `json:"sexual"`
	Violence   float64 `json:"violence"`
	Hate       float64 `json:"hate"`
	SelfHarm   float64 `json:"self_harm"`
	Harassment float64 `json:"harassment"`
}

// Rate applies the decision table to a score vector. Pure; the thresholds
// are fixed by distribution policy, not configuration.
func Rate(s Scores) models.SafetyRating {
	switch {
	case s.Sexual < 0.20 && s.Violence < 0.10 &&
		s.Hate < 0.50 && s.SelfHarm < 0.50 && s.Harassment < 0.50:
		return models.RatingSafe
	case s.Sexual < 0.60 && s.Violence < 0.30:
		return models.RatingSuggestive
	case s.Sexual < 0.90 && s.Violence < 0.50:
		return models.RatingBorderline
	default:
		return models.RatingRejected
	}
}

// Classifier scores a prompt (and optionally image bytes) and returns the
// resulting rating. Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, prompt string, image []byte) (models.SafetyRating, Scores, error)
	CostPerCall() float64
}

type classifier struct {
	cfg     config.SafetyConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *lru.Cache[string, Scores]
	logger  *slog.Logger
}

// NewClassifier creates a classifier backed by the configured moderation
// endpoint. Prompt-only results are cached per prompt; results that include
// image bytes are not, since images differ per piece.
func NewClassifier(cfg config.SafetyConfig, client *http.Client, logger *slog.Logger) (Classifier, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, Scores](512)
	if err != nil {
		return nil, fmt.Errorf("create score cache: %w", err)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "safety-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &classifier{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		cache:   cache,
		logger:  logger,
	}, nil
}

func (c *classifier) CostPerCall() float64 { return c.cfg.PriceUSDPerCall }

func (c *classifier) Classify(ctx context.Context, prompt string, image []byte) (models.SafetyRating, Scores, error) {
	if len(image) == 0 {
		if scores, ok := c.cache.Get(prompt); ok {
			return Rate(scores), scores, nil
		}
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.moderate(ctx, prompt, image)
	})
	if err != nil {
		c.logger.Warn("safety classification failed", slog.String("error", err.Error()))
		return "", Scores{}, fmt.Errorf("%w: %v", ErrSafetyUnavailable, err)
	}
	scores := res.(Scores)

	if len(image) == 0 {
		c.cache.Add(prompt, scores)
	}
	return Rate(scores), scores, nil
}

type moderationRequest struct {
	Input       string `json:"input"`
	ImageBase64 string `json:"image_base64,omitempty"`
}

type moderationResponse struct {
	Scores Scores `json:"category_scores"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *classifier) moderate(ctx context.Context, prompt string, image []byte) (Scores, error) {
	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wire := moderationRequest{Input: prompt}
	if len(image) > 0 {
		wire.ImageBase64 = base64.StdEncoding.EncodeToString(image)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return Scores{}, fmt.Errorf("marshal moderation request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/moderations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Scores{}, fmt.Errorf("create moderation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Scores{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Scores{}, err
	}
	if resp.StatusCode >= 400 {
		return Scores{}, fmt.Errorf("moderation backend returned http %d", resp.StatusCode)
	}

	var parsed moderationResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Scores{}, fmt.Errorf("malformed moderation response: %w", err)
	}
	if parsed.Error != nil {
		return Scores{}, fmt.Errorf("moderation backend error: %s", parsed.Error.Message)
	}
	return parsed.Scores, nil
}
