package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/pkg/retry"
)

const (
	defaultRequestTimeout = 120 * time.Second

	// maxImagePayload rejects oversized base64 payloads before decode.
	maxImagePayload = 100 << 20
)

// HTTPProvider talks to one remote generation worker over the JSON wire
// contract. All configured backends (the weights-aware serverless primary,
// a local inference server, generic image APIs) speak the same contract and
// differ only in capabilities and pricing.
type HTTPProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

// NewHTTPProvider creates a provider from its configuration. The HTTP
// client is shared across providers and must be safe for concurrent use.
func NewHTTPProvider(cfg config.ProviderConfig, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{cfg: cfg, client: client}
}

// Name returns the configured provider name.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Capabilities returns the declared capabilities.
func (p *HTTPProvider) Capabilities() Capabilities {
	return Capabilities{
		SupportsWeights: p.cfg.SupportsWeights,
		SupportsSeed:    p.cfg.SupportsSeed,
	}
}

// Pricing returns the declared unit prices.
func (p *HTTPProvider) Pricing() Pricing {
	return Pricing{
		USDPerSecond: p.cfg.PriceUSDPerSecond,
		USDPerImage:  p.cfg.PriceUSDPerImage,
	}
}

// Retry returns the provider's retry budget.
func (p *HTTPProvider) Retry() retry.Policy {
	policy := retry.DefaultPolicy()
	if p.cfg.MaxAttempts > 0 {
		policy.MaxAttempts = p.cfg.MaxAttempts
	}
	if p.cfg.BackoffBase > 0 {
		policy.Base = p.cfg.BackoffBase
	}
	return policy
}

func (p *HTTPProvider) requestTimeout() time.Duration {
	if p.cfg.RequestTimeout > 0 {
		return p.cfg.RequestTimeout
	}
	return defaultRequestTimeout
}

// Generate performs exactly one attempt against the backend.
func (p *HTTPProvider) Generate(ctx context.Context, req *Request) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout())
	defer cancel()

	wire := wireRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFG:            req.CFG,
		TimeoutSeconds: int(p.requestTimeout().Seconds()),
	}
	if req.Weights != nil {
		wire.LoraURL = req.Weights.URL
		wire.LoraScale = req.WeightsScale
	}
	if req.Seed != nil && p.cfg.SupportsSeed {
		wire.Seed = req.Seed
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	started := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxImagePayload+(1<<20)))
	if err != nil {
		return nil, p.transportError(err)
	}

	if resp.StatusCode >= 400 {
		return nil, p.parseFailure(resp.StatusCode, respBody)
	}

	return p.parseSuccess(ctx, respBody, time.Since(started))
}

func (p *HTTPProvider) transportError(err error) error {
	code := CodeTransient
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &ProviderError{
		Provider: p.cfg.Name,
		Code:     code,
		Message:  err.Error(),
	}
}

func (p *HTTPProvider) parseFailure(status int, body []byte) error {
	var wire wireFailure
	pe := &ProviderError{Provider: p.cfg.Name, HTTPStatus: status}
	if err := json.Unmarshal(body, &wire); err == nil && wire.ErrorCode != "" {
		pe.Code = ErrorCode(wire.ErrorCode)
		pe.Message = wire.Error
		if wire.Details != "" {
			pe.Message += ": " + wire.Details
		}
		if wire.RetryAfter > 0 {
			pe.RetryAfter = time.Duration(wire.RetryAfter) * time.Second
		}
		return pe
	}
	// No structured body; fall back to the status class.
	pe.Message = fmt.Sprintf("http %d", status)
	if status >= 500 {
		pe.Code = CodeTransient
	} else if status == http.StatusRequestTimeout {
		pe.Code = CodeTimeout
	} else {
		pe.Code = CodeGenerationFailed
	}
	return pe
}

func (p *HTTPProvider) parseSuccess(ctx context.Context, body []byte, elapsed time.Duration) (*Image, error) {
	var wire wireSuccess
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ProviderError{
			Provider: p.cfg.Name,
			Code:     CodeGenerationFailed,
			Message:  fmt.Sprintf("malformed success body: %v", err),
		}
	}

	var png []byte
	switch {
	case wire.ImageBase64 != "":
		if len(wire.ImageBase64) > maxImagePayload {
			return nil, &ProviderError{
				Provider: p.cfg.Name,
				Code:     CodeGenerationFailed,
				Message:  fmt.Sprintf("image payload %d bytes exceeds limit", len(wire.ImageBase64)),
			}
		}
		decoded, err := base64.StdEncoding.DecodeString(wire.ImageBase64)
		if err != nil {
			return nil, &ProviderError{
				Provider: p.cfg.Name,
				Code:     CodeGenerationFailed,
				Message:  fmt.Sprintf("invalid base64 image: %v", err),
			}
		}
		png = decoded
	case wire.ImageURL != "":
		fetched, err := p.fetchImage(ctx, wire.ImageURL)
		if err != nil {
			return nil, err
		}
		png = fetched
	default:
		// Success with no image is a generation failure in disguise.
		return nil, &ProviderError{
			Provider: p.cfg.Name,
			Code:     CodeGenerationFailed,
			Message:  "success response carried neither image bytes nor an image URL",
		}
	}

	img := &Image{
		PNG:          png,
		GenerationMS: elapsed.Milliseconds(),
		ModelInfo:    wire.ModelInfo,
	}
	if wire.GenerationTimeSeconds > 0 {
		img.GenerationMS = int64(wire.GenerationTimeSeconds * 1000)
	}
	if len(wire.ImageSize) == 2 {
		img.Width = wire.ImageSize[0]
		img.Height = wire.ImageSize[1]
	}
	return img, nil
}

func (p *HTTPProvider) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, p.transportError(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &ProviderError{
			Provider:   p.cfg.Name,
			Code:       CodeGenerationFailed,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("image fetch returned http %d", resp.StatusCode),
		}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImagePayload))
	if err != nil {
		return nil, p.transportError(err)
	}
	return data, nil
}
