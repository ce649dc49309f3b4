package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/storage"
)

// remintFraction is the URL age, as a fraction of TTL, past which a
// LORA_DOWNLOAD_FAILED triggers a fresh presigned URL before retrying.
const remintFraction = 0.8

// RouterConfig configures the dispatch chain behavior.
type RouterConfig struct {
	// AllowDegradedFallback lets providers without weight support serve
	// requests that carry weights, at lower output fidelity.
	AllowDegradedFallback bool
	// OnAttempt observes every attempt record, successful or not.
	OnAttempt func(models.ProviderAttempt)
	Logger    *slog.Logger
}

// Router dispatches one generation request through the ordered provider
// chain. Safe for concurrent use; all mutable state is per-call.
type Router struct {
	chain         []Provider
	allowDegraded bool
	onAttempt     func(models.ProviderAttempt)
	logger        *slog.Logger
	now           func() time.Time
}

// NewRouter creates a router over an ordered provider chain: the primary
// first, fallbacks after.
func NewRouter(chain []Provider, cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		chain:         chain,
		allowDegraded: cfg.AllowDegradedFallback,
		onAttempt:     cfg.OnAttempt,
		logger:        logger,
		now:           time.Now,
	}
}

// Info describes one configured provider for the listing endpoint.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
	Pricing      Pricing      `json:"pricing"`
}

// Providers lists the chain in dispatch order.
func (r *Router) Providers() []Info {
	out := make([]Info, len(r.chain))
	for i, p := range r.chain {
		out[i] = Info{Name: p.Name(), Capabilities: p.Capabilities(), Pricing: p.Pricing()}
	}
	return out
}

// Generate tries providers in order until one returns an image, the
// request turns out to be invalid, the deadline passes, or the chain is
// exhausted. Every attempt is recorded and costed, failures included.
func (r *Router) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if len(r.chain) == 0 {
		return nil, ErrNoProviderAvailable
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	var (
		attempts  []models.ProviderAttempt
		totalCost float64
		failures  = make([]ProviderFailure, 0, len(r.chain))
		weights   = req.Weights
	)

	for _, p := range r.chain {
		caps := p.Capabilities()
		if req.Weights != nil && !caps.SupportsWeights && !r.allowDegraded {
			failures = append(failures, ProviderFailure{
				Provider: p.Name(),
				Err:      errors.New("provider does not support injected weights"),
			})
			continue
		}

		policy := p.Retry()
		genRetried := false
		var lastErr error

	attemptLoop:
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("generation aborted: %w", err)
			}
			// No new attempts after the absolute deadline.
			if !req.Deadline.IsZero() && !r.now().Before(req.Deadline) {
				return nil, fmt.Errorf("generation aborted: %w", context.DeadlineExceeded)
			}

			preq := attemptRequest(req, weights, caps)
			started := r.now()
			img, err := p.Generate(ctx, preq)
			dur := r.now().Sub(started)
			cost := attemptCost(p.Pricing(), dur, err == nil)
			totalCost += cost

			rec := models.ProviderAttempt{
				BatchID:    req.BatchID,
				PieceIndex: req.PieceIndex,
				Provider:   p.Name(),
				AttemptNo:  attempt,
				StartedAt:  started,
				DurationMS: dur.Milliseconds(),
				Outcome:    outcomeFor(err),
				CostUSD:    cost,
			}
			if pe := AsProviderError(err); pe != nil {
				rec.ErrorCode = string(pe.Code)
			}
			attempts = append(attempts, rec)
			if r.onAttempt != nil {
				r.onAttempt(rec)
			}
			if req.Observe != nil {
				req.Observe(rec)
			}

			if err == nil {
				return &Result{
					Image:        img,
					ProviderUsed: p.Name(),
					Attempts:     attempts,
					CostUSD:      totalCost,
				}, nil
			}
			lastErr = err

			if cerr := ctx.Err(); cerr != nil {
				return nil, fmt.Errorf("generation aborted: %w", cerr)
			}

			pe := AsProviderError(err)
			if pe == nil {
				// Unclassified transport failure: retry within the budget.
				if attempt < policy.MaxAttempts {
					if serr := policy.Sleep(ctx, attempt, 0); serr != nil {
						return nil, fmt.Errorf("generation aborted: %w", serr)
					}
				}
				continue
			}

			switch classify(pe) {
			case terminal:
				return nil, err
			case nextProvider:
				break attemptLoop
			case retryOnceThenNext:
				if genRetried {
					break attemptLoop
				}
				genRetried = true
			}

			// Presigned URL expiry is a common cause of weight download
			// failures; re-mint before retrying once the URL has aged.
			if pe.Code == CodeLoraDownloadFailed && weights != nil && req.Remint != nil &&
				weights.ExpiresSoon(r.now(), remintFraction) {
				fresh, rerr := req.Remint(ctx)
				if rerr != nil {
					r.logger.Warn("weights URL re-mint failed",
						slog.String("provider", p.Name()),
						slog.String("error", rerr.Error()),
					)
				} else if fresh != nil {
					weights = fresh
				}
			}

			if attempt < policy.MaxAttempts {
				if serr := policy.Sleep(ctx, attempt, pe.RetryAfter); serr != nil {
					return nil, fmt.Errorf("generation aborted: %w", serr)
				}
			}
		}

		r.logger.Debug("provider exhausted",
			slog.String("provider", p.Name()),
			slog.String("batch_id", req.BatchID),
			slog.Int("piece_index", req.PieceIndex),
		)
		failures = append(failures, ProviderFailure{Provider: p.Name(), Err: lastErr})
	}

	return nil, &AllProvidersFailedError{Failures: failures}
}

// attemptRequest builds the per-attempt view of the request for one
// provider: the current weights URL, stripped of anything the provider
// cannot honor.
func attemptRequest(req *Request, weights *storage.SignedURL, caps Capabilities) *Request {
	preq := *req
	preq.Weights = weights
	if !caps.SupportsWeights {
		preq.Weights = nil
		preq.WeightsScale = 0
	}
	if !caps.SupportsSeed {
		preq.Seed = nil
	}
	return &preq
}

func attemptCost(pricing Pricing, dur time.Duration, success bool) float64 {
	cost := pricing.USDPerSecond * dur.Seconds()
	if success {
		cost += pricing.USDPerImage
	}
	return cost
}
