package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeo-ai/contentforge/internal/models"
	"github.com/lumeo-ai/contentforge/internal/pkg/retry"
	"github.com/lumeo-ai/contentforge/internal/storage"
)

// fakeProvider scripts one response per call; past the script it repeats the
// last entry.
type fakeProvider struct {
	name     string
	caps     Capabilities
	pricing  Pricing
	policy   retry.Policy
	script   []error
	calls    int
	requests []*Request
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) Capabilities() Capabilities { return f.caps }
func (f *fakeProvider) Pricing() Pricing           { return f.pricing }
func (f *fakeProvider) Retry() retry.Policy        { return f.policy }

func (f *fakeProvider) Generate(ctx context.Context, req *Request) (*Image, error) {
	i := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	if i >= 0 && f.script[i] != nil {
		return nil, f.script[i]
	}
	return &Image{PNG: []byte("png-bytes"), Width: req.Width, Height: req.Height, GenerationMS: 10}, nil
}

func newFake(name string, script ...error) *fakeProvider {
	return &fakeProvider{
		name:    name,
		caps:    Capabilities{SupportsWeights: true, SupportsSeed: true},
		pricing: Pricing{USDPerSecond: 0.001, USDPerImage: 0.01},
		policy:  retry.Policy{MaxAttempts: 3, Base: time.Millisecond},
		script:  script,
	}
}

func perr(name string, code ErrorCode) *ProviderError {
	return &ProviderError{Provider: name, Code: code, Message: "scripted failure"}
}

func validRequest() *Request {
	return &Request{
		BatchID:    "batch-1",
		PieceIndex: 0,
		Prompt:     "sks_person, gym mirror photo",
		Width:      1024,
		Height:     1024,
		Steps:      30,
		CFG:        7.0,
	}
}

func newTestRouter(chain []Provider, cfg RouterConfig) *Router {
	return NewRouter(chain, cfg)
}

func TestRouterSuccessFirstAttempt(t *testing.T) {
	p := newFake("primary", nil)
	r := newTestRouter([]Provider{p}, RouterConfig{})

	res, err := r.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "primary", res.ProviderUsed)
	assert.Equal(t, []byte("png-bytes"), res.Image.PNG)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, models.OutcomeOK, res.Attempts[0].Outcome)
	// Success pays the per-image fee.
	assert.GreaterOrEqual(t, res.CostUSD, 0.01)
}

func TestRouterRejectsInvalidRequest(t *testing.T) {
	p := newFake("primary", nil)
	r := newTestRouter([]Provider{p}, RouterConfig{})

	req := validRequest()
	req.Steps = 5

	_, err := r.Generate(context.Background(), req)
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "steps", invalid.Field)
	assert.Zero(t, p.calls)
}

func TestRouterEmptyChain(t *testing.T) {
	r := newTestRouter(nil, RouterConfig{})
	_, err := r.Generate(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestRouterInvalidPromptIsTerminal(t *testing.T) {
	p1 := newFake("primary", perr("primary", CodeInvalidPrompt))
	p2 := newFake("fallback", nil)
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{})

	_, err := r.Generate(context.Background(), validRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeInvalidPrompt, pe.Code)
	assert.Equal(t, 1, p1.calls)
	assert.Zero(t, p2.calls, "terminal errors must not fall back")
}

func TestRouterRetriesSameProviderOnOOM(t *testing.T) {
	p1 := newFake("primary",
		perr("primary", CodeCUDAOOM),
		perr("primary", CodeCUDAOOM),
		perr("primary", CodeCUDAOOM),
	)
	p2 := newFake("fallback", nil)
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{})

	res, err := r.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.ProviderUsed)
	// The full per-provider budget is spent on the primary before falling back.
	assert.Equal(t, 3, p1.calls)
	assert.Equal(t, 1, p2.calls)
	assert.Len(t, res.Attempts, 4)
}

func TestRouterGenerationFailedRetriedOnce(t *testing.T) {
	p1 := newFake("primary",
		perr("primary", CodeGenerationFailed),
		perr("primary", CodeGenerationFailed),
	)
	p2 := newFake("fallback", nil)
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{})

	res, err := r.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.ProviderUsed)
	assert.Equal(t, 2, p1.calls)
}

func TestRouterLoadFailureSkipsToNextProvider(t *testing.T) {
	p1 := newFake("primary", perr("primary", CodeLoraLoadFailed))
	p2 := newFake("fallback", nil)
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{})

	res, err := r.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.ProviderUsed)
	assert.Equal(t, 1, p1.calls)
}

func TestRouterAllProvidersFailed(t *testing.T) {
	p1 := newFake("primary", perr("primary", CodeModelLoadFailed))
	p2 := newFake("fallback", perr("fallback", CodeModelLoadFailed))
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{})

	_, err := r.Generate(context.Background(), validRequest())
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, all.Failures, 2)
	assert.Equal(t, "primary", all.Failures[0].Provider)
	assert.Equal(t, "fallback", all.Failures[1].Provider)
}

func TestRouterSkipsDegradedProvidersByDefault(t *testing.T) {
	p1 := newFake("primary", perr("primary", CodeModelLoadFailed))
	p2 := newFake("no-weights", nil)
	p2.caps.SupportsWeights = false
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{AllowDegradedFallback: false})

	req := validRequest()
	req.Weights = &storage.SignedURL{URL: "https://example/weights", IssuedAt: time.Now(), TTL: time.Hour}
	req.WeightsScale = 0.8

	_, err := r.Generate(context.Background(), req)
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	assert.Zero(t, p2.calls, "weight-less provider must be skipped")
}

func TestRouterDegradedFallbackStripsWeights(t *testing.T) {
	p1 := newFake("primary", perr("primary", CodeModelLoadFailed))
	p2 := newFake("no-weights", nil)
	p2.caps.SupportsWeights = false
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{AllowDegradedFallback: true})

	req := validRequest()
	req.Weights = &storage.SignedURL{URL: "https://example/weights", IssuedAt: time.Now(), TTL: time.Hour}
	req.WeightsScale = 0.8

	res, err := r.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "no-weights", res.ProviderUsed)
	require.Len(t, p2.requests, 1)
	assert.Nil(t, p2.requests[0].Weights)
	assert.Zero(t, p2.requests[0].WeightsScale)
}

func TestRouterRemintsAgedWeightsURL(t *testing.T) {
	p := newFake("primary",
		perr("primary", CodeLoraDownloadFailed),
		nil,
	)
	r := newTestRouter([]Provider{p}, RouterConfig{})

	reminted := 0
	req := validRequest()
	req.Weights = &storage.SignedURL{
		URL:      "https://example/stale",
		IssuedAt: time.Now().Add(-14 * time.Minute),
		TTL:      15 * time.Minute,
	}
	req.WeightsScale = 0.8
	req.Remint = func(ctx context.Context) (*storage.SignedURL, error) {
		reminted++
		return &storage.SignedURL{URL: "https://example/fresh", IssuedAt: time.Now(), TTL: 15 * time.Minute}, nil
	}

	res, err := r.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, reminted)
	require.Len(t, p.requests, 2)
	assert.Equal(t, "https://example/stale", p.requests[0].Weights.URL)
	assert.Equal(t, "https://example/fresh", p.requests[1].Weights.URL)
	assert.NotNil(t, res.Image)
}

func TestRouterDoesNotRemintFreshURL(t *testing.T) {
	p := newFake("primary",
		perr("primary", CodeLoraDownloadFailed),
		nil,
	)
	r := newTestRouter([]Provider{p}, RouterConfig{})

	req := validRequest()
	req.Weights = &storage.SignedURL{
		URL:      "https://example/fresh",
		IssuedAt: time.Now(),
		TTL:      15 * time.Minute,
	}
	req.Remint = func(ctx context.Context) (*storage.SignedURL, error) {
		t.Fatal("fresh URLs must not be re-minted")
		return nil, nil
	}

	_, err := r.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
}

func TestRouterStopsAtDeadline(t *testing.T) {
	p := newFake("primary", nil)
	r := newTestRouter([]Provider{p}, RouterConfig{})

	req := validRequest()
	req.Deadline = time.Now().Add(-time.Second)

	_, err := r.Generate(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.calls)
}

func TestRouterObservesEveryAttempt(t *testing.T) {
	p1 := newFake("primary", perr("primary", CodeModelLoadFailed))
	p2 := newFake("fallback", nil)

	var routerSeen, requestSeen []models.ProviderAttempt
	r := newTestRouter([]Provider{p1, p2}, RouterConfig{
		OnAttempt: func(a models.ProviderAttempt) { routerSeen = append(routerSeen, a) },
	})

	req := validRequest()
	req.Observe = func(a models.ProviderAttempt) { requestSeen = append(requestSeen, a) }

	_, err := r.Generate(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, routerSeen, 2)
	require.Len(t, requestSeen, 2)
	assert.Equal(t, "primary", routerSeen[0].Provider)
	assert.Equal(t, string(CodeModelLoadFailed), routerSeen[0].ErrorCode)
	assert.Equal(t, models.OutcomeFatalError, routerSeen[0].Outcome)
	assert.Equal(t, "fallback", routerSeen[1].Provider)
	assert.Equal(t, models.OutcomeOK, routerSeen[1].Outcome)
}

func TestRouterFailedAttemptsStillCosted(t *testing.T) {
	p := newFake("primary", perr("primary", CodeModelLoadFailed))
	r := newTestRouter([]Provider{p}, RouterConfig{})

	var attempts []models.ProviderAttempt
	req := validRequest()
	req.Observe = func(a models.ProviderAttempt) { attempts = append(attempts, a) }

	_, err := r.Generate(context.Background(), req)
	var all *AllProvidersFailedError
	require.ErrorAs(t, err, &all)
	require.Len(t, attempts, 1)
	// Per-second charge applies even on failure, the per-image fee does not.
	assert.Less(t, attempts[0].CostUSD, 0.01)
}

func TestRouterRetriesUnclassifiedTransportError(t *testing.T) {
	p := newFake("primary", errors.New("connection reset"), nil)
	r := newTestRouter([]Provider{p}, RouterConfig{})

	res, err := r.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
	assert.Len(t, res.Attempts, 2)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want disposition
	}{
		{CodeInvalidPrompt, terminal},
		{CodeLoraLoadFailed, nextProvider},
		{CodeModelLoadFailed, nextProvider},
		{CodeGenerationFailed, retryOnceThenNext},
		{CodeLoraDownloadFailed, retrySame},
		{CodeTimeout, retrySame},
		{CodeTransient, retrySame},
		{CodeCUDAOOM, retrySame},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, classify(&ProviderError{Code: tt.code}))
		})
	}

	assert.Equal(t, retrySame, classify(&ProviderError{Code: "UNKNOWN", HTTPStatus: 503}))
	assert.Equal(t, nextProvider, classify(&ProviderError{Code: "UNKNOWN", HTTPStatus: 403}))
}
