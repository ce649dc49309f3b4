package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeo-ai/contentforge/internal/config"
	"github.com/lumeo-ai/contentforge/internal/storage"
)

func providerConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		Name:              "serverless",
		BaseURL:           baseURL,
		APIKey:            "test-key",
		SupportsWeights:   true,
		SupportsSeed:      true,
		MaxAttempts:       3,
		RequestTimeout:    5 * time.Second,
		PriceUSDPerSecond: 0.0005,
		PriceUSDPerImage:  0.01,
	}
}

func wireTestRequest() *Request {
	seed := int64(42)
	return &Request{
		Prompt:         "sks_person, gym mirror photo",
		NegativePrompt: "blurry",
		Weights:        &storage.SignedURL{URL: "https://blobs/loras/a.safetensors", IssuedAt: time.Now(), TTL: time.Hour},
		WeightsScale:   0.8,
		Width:          1024,
		Height:         1024,
		Steps:          30,
		CFG:            7.0,
		Seed:           &seed,
	}
}

func TestHTTPProviderGenerateSuccess(t *testing.T) {
	png := []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var wire wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "sks_person, gym mirror photo", wire.Prompt)
		assert.Equal(t, "blurry", wire.NegativePrompt)
		assert.Equal(t, "https://blobs/loras/a.safetensors", wire.LoraURL)
		assert.InDelta(t, 0.8, wire.LoraScale, 1e-9)
		assert.Equal(t, 1024, wire.Width)
		assert.Equal(t, 30, wire.Steps)
		require.NotNil(t, wire.Seed)
		assert.Equal(t, int64(42), *wire.Seed)

		json.NewEncoder(w).Encode(wireSuccess{
			ImageBase64:           base64.StdEncoding.EncodeToString(png),
			ImageSize:             []int{1024, 1024},
			GenerationTimeSeconds: 3.5,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	img, err := p.Generate(context.Background(), wireTestRequest())
	require.NoError(t, err)
	assert.Equal(t, png, img.PNG)
	assert.Equal(t, 1024, img.Width)
	assert.Equal(t, int64(3500), img.GenerationMS)
}

func TestHTTPProviderStructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(wireFailure{
			Error:      "gpu pool exhausted",
			ErrorCode:  "CUDA_OOM",
			RetryAfter: 7,
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeCUDAOOM, pe.Code)
	assert.Equal(t, http.StatusServiceUnavailable, pe.HTTPStatus)
	assert.Equal(t, 7*time.Second, pe.RetryAfter)
	assert.Contains(t, pe.Message, "gpu pool exhausted")
}

func TestHTTPProviderUnstructuredFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeTransient, pe.Code)
	assert.Equal(t, http.StatusBadGateway, pe.HTTPStatus)
}

func TestHTTPProviderUnstructured4xxIsGenerationFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeGenerationFailed, pe.Code)
}

func TestHTTPProviderSuccessWithoutImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireSuccess{GenerationTimeSeconds: 1})
	}))
	defer srv.Close()

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeGenerationFailed, pe.Code)
}

func TestHTTPProviderInvalidBase64(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireSuccess{ImageBase64: "not-base64!!!"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeGenerationFailed, pe.Code)
}

func TestHTTPProviderFetchesImageURL(t *testing.T) {
	png := []byte("fetched-png-bytes")
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/image.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(png)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireSuccess{ImageURL: srv.URL + "/image.png"})
	})

	p := NewHTTPProvider(providerConfig(srv.URL), srv.Client())

	img, err := p.Generate(context.Background(), wireTestRequest())
	require.NoError(t, err)
	assert.Equal(t, png, img.PNG)
}

func TestHTTPProviderStripsSeedWhenUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Nil(t, wire.Seed)
		json.NewEncoder(w).Encode(wireSuccess{ImageBase64: base64.StdEncoding.EncodeToString([]byte("x"))})
	}))
	defer srv.Close()

	cfg := providerConfig(srv.URL)
	cfg.SupportsSeed = false
	p := NewHTTPProvider(cfg, srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	require.NoError(t, err)
}

func TestHTTPProviderTransportTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for client disconnect and
		// cancels the request context; otherwise srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := providerConfig(srv.URL)
	cfg.RequestTimeout = 50 * time.Millisecond
	p := NewHTTPProvider(cfg, srv.Client())

	_, err := p.Generate(context.Background(), wireTestRequest())
	pe := AsProviderError(err)
	require.NotNil(t, pe)
	assert.Equal(t, CodeTimeout, pe.Code)
}
