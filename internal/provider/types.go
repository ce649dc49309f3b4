// Package provider dispatches generation requests through an ordered chain
// of remote image-generation backends with per-provider retry, fallback,
// and attempt telemetry.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/retry"
	"github.com/lumeo-ai/contentforge/internal/storage"
)

// MaxPromptLen bounds the composed prompt length.
const MaxPromptLen = 2000

// allowedDims are the resolutions providers accept.
var allowedDims = map[int]bool{512: true, 768: true, 1024: true, 1344: true, 1536: true}

// Capabilities declares what a provider supports.
type Capabilities struct {
	SupportsWeights bool `json:"supports_weights"`
	SupportsSeed    bool `json:"supports_seed"`
}

// Pricing declares how a provider bills attempts. Failed attempts are
// billed per-second only; the per-image fee applies to successes.
type Pricing struct {
	USDPerSecond float64 `json:"usd_per_second"`
	USDPerImage  float64 `json:"usd_per_image"`
}

// Request is one generation request as seen by the router.
type Request struct {
	BatchID        string
	PieceIndex     int
	Prompt         string
	NegativePrompt string
	Weights        *storage.SignedURL
	WeightsScale   float64
	Width          int
	Height         int
	Steps          int
	CFG            float64
	Seed           *int64
	// Deadline is absolute; the router issues no new attempts after it.
	Deadline time.Time
	// Remint asks the orchestrator for a fresh weights URL when the current
	// one has aged past 80% of its TTL and a download failure occurs.
	Remint func(ctx context.Context) (*storage.SignedURL, error)
	// Observe receives every attempt record for this request, failures
	// included, in addition to the router-wide observer.
	Observe func(models.ProviderAttempt)
}

// Validate enforces the request constraints shared by all providers.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return &InvalidRequestError{Field: "prompt", Reason: "prompt is empty"}
	}
	if len(r.Prompt) > MaxPromptLen {
		return &InvalidRequestError{Field: "prompt", Reason: fmt.Sprintf("prompt exceeds %d characters", MaxPromptLen)}
	}
	if !allowedDims[r.Width] || !allowedDims[r.Height] {
		return &InvalidRequestError{Field: "resolution", Reason: fmt.Sprintf("unsupported resolution %dx%d", r.Width, r.Height)}
	}
	if r.Steps < 20 || r.Steps > 50 {
		return &InvalidRequestError{Field: "steps", Reason: fmt.Sprintf("steps %d out of [20,50]", r.Steps)}
	}
	if r.CFG < 1.0 || r.CFG > 20.0 {
		return &InvalidRequestError{Field: "cfg", Reason: fmt.Sprintf("cfg %v out of [1,20]", r.CFG)}
	}
	if r.WeightsScale < 0 || r.WeightsScale > 1 {
		return &InvalidRequestError{Field: "weights_scale", Reason: fmt.Sprintf("weights_scale %v out of [0,1]", r.WeightsScale)}
	}
	return nil
}

// Image is a successful generation payload.
type Image struct {
	PNG          []byte
	Width        int
	Height       int
	GenerationMS int64
	ModelInfo    json.RawMessage
}

// Result is the router's terminal success outcome for one request.
type Result struct {
	Image        *Image
	ProviderUsed string
	Attempts     []models.ProviderAttempt
	CostUSD      float64
}

// Provider is a single remote generation backend.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	Pricing() Pricing
	Retry() retry.Policy
	// Generate performs exactly one attempt. Retries are the router's job.
	Generate(ctx context.Context, req *Request) (*Image, error)
}

// ErrorCode is the provider-declared failure class from the wire contract.
type ErrorCode string

const (
	CodeLoraDownloadFailed ErrorCode = "LORA_DOWNLOAD_FAILED"
	CodeLoraLoadFailed     ErrorCode = "LORA_LOAD_FAILED"
	CodeModelLoadFailed    ErrorCode = "MODEL_LOAD_FAILED"
	CodeGenerationFailed   ErrorCode = "GENERATION_FAILED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeTransient          ErrorCode = "TRANSIENT"
	CodeCUDAOOM            ErrorCode = "CUDA_OOM"
	CodeInvalidPrompt      ErrorCode = "INVALID_PROMPT"
)

// ProviderError is a classified failure from one provider attempt.
type ProviderError struct {
	Provider   string
	Code       ErrorCode
	Message    string
	HTTPStatus int
	// RetryAfter, when set, is a floor on the next backoff wait.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

// AsProviderError extracts a *ProviderError from err, or nil.
func AsProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return nil
}

// InvalidRequestError is a caller-side violation; it is terminal across all
// providers and never retried.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// ErrNoProviderAvailable is returned when the provider chain is empty.
var ErrNoProviderAvailable = errors.New("no provider available")

// ProviderFailure pairs a provider with its last error.
type ProviderFailure struct {
	Provider string
	Err      error
}

// AllProvidersFailedError is the terminal per-piece failure carrying the
// last error from each provider in the chain.
type AllProvidersFailedError struct {
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Provider, f.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// wireRequest is the outbound JSON body of the provider contract.
type wireRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	LoraURL        string  `json:"lora_url,omitempty"`
	LoraScale      float64 `json:"lora_scale,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CFG            float64 `json:"cfg"`
	Seed           *int64  `json:"seed,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
}

// wireSuccess is the inbound success body.
type wireSuccess struct {
	ImageBase64           string          `json:"image_base64,omitempty"`
	ImageURL              string          `json:"image_url,omitempty"`
	ImageSize             []int           `json:"image_size,omitempty"`
	GenerationTimeSeconds float64         `json:"generation_time_seconds"`
	ModelInfo             json.RawMessage `json:"model_info,omitempty"`
}

// wireFailure is the inbound failure body.
type wireFailure struct {
	Error      string `json:"error"`
	ErrorCode  string `json:"error_code"`
	Details    string `json:"details,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}
