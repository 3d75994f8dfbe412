package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"github.com/fyrsmithlabs/estimatord/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i%7) / 7
	}
	return v
}

func newTEIServer(t *testing.T, dim int, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req teiRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		if status != http.StatusOK {
			http.Error(w, "model overloaded", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([][]float32{vector(dim)})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTEIEmbedder_Embed(t *testing.T) {
	srv, calls := newTEIServer(t, 384, http.StatusOK)
	e, err := NewTEIEmbedder(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimension())

	v, err := e.Embed(context.Background(), "  roofing bid for 12 squares  ")
	require.NoError(t, err)
	assert.Len(t, v, 384)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTEIEmbedder_Errors(t *testing.T) {
	t.Run("empty input", func(t *testing.T) {
		srv, calls := newTEIServer(t, 384, http.StatusOK)
		e, err := NewTEIEmbedder(TEIConfig{BaseURL: srv.URL, Dimension: 384})
		require.NoError(t, err)
		_, err = e.Embed(context.Background(), " \n\t")
		assert.ErrorIs(t, err, ErrEmptyInput)
		assert.Zero(t, calls.Load())
	})

	t.Run("server error", func(t *testing.T) {
		srv, _ := newTEIServer(t, 384, http.StatusServiceUnavailable)
		e, err := NewTEIEmbedder(TEIConfig{BaseURL: srv.URL, Dimension: 384})
		require.NoError(t, err)
		_, err = e.Embed(context.Background(), "text")
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
		assert.Contains(t, err.Error(), "model overloaded")
	})

	t.Run("wrong dimension", func(t *testing.T) {
		srv, _ := newTEIServer(t, 128, http.StatusOK)
		e, err := NewTEIEmbedder(TEIConfig{BaseURL: srv.URL, Dimension: 384})
		require.NoError(t, err)
		_, err = e.Embed(context.Background(), "text")
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("canceled context", func(t *testing.T) {
		srv, _ := newTEIServer(t, 384, http.StatusOK)
		e, err := NewTEIEmbedder(TEIConfig{BaseURL: srv.URL, Dimension: 384})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = e.Embed(ctx, "text")
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	})
}

func TestNewTEIEmbedder_InvalidConfig(t *testing.T) {
	_, err := NewTEIEmbedder(TEIConfig{Model: "BAAI/bge-small-en-v1.5"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTEIEmbedder(TEIConfig{BaseURL: "http://localhost:8081", Model: "custom/unknown"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// newOpenAIServer answers embeddings requests for wantModel with dim-sized
// vectors and fails the test if another model is requested.
func newOpenAIServer(t *testing.T, wantModel string, dim int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"), r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model string `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, wantModel, body.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  body.Model,
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vector(dim)},
			},
			"usage": map[string]int{"prompt_tokens": 4, "total_tokens": 4},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := newOpenAIServer(t, "text-embedding-3-large", 3072)
	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, 3072, e.Dimension())
	assert.Equal(t, "text-embedding-3-large", e.Model())

	v, err := e.Embed(context.Background(), "drywall takeoff, 40 sheets")
	require.NoError(t, err)
	assert.Len(t, v, 3072)
}

func TestOpenAIEmbedder_DimensionMismatch(t *testing.T) {
	srv := newOpenAIServer(t, "text-embedding-3-large", 1536)
	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "drywall")
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestOpenAIEmbedder_SendsConfiguredModel(t *testing.T) {
	srv := newOpenAIServer(t, "text-embedding-3-small", 1536)
	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "sk-test", Model: "text-embedding-3-small", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)
	assert.Equal(t, 1536, e.Dimension())

	v, err := e.Embed(context.Background(), "rebar, #5 at 12 inches on center")
	require.NoError(t, err)
	assert.Len(t, v, 1536)
}

func TestNewOpenAIEmbedder_RequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type stubEmbedder struct {
	dim   int
	err   error
	calls atomic.Int32
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return vector(s.dim), nil
}

func (s *stubEmbedder) Dimension() int { return s.dim }

func TestRateLimited(t *testing.T) {
	stub := &stubEmbedder{dim: 8}
	assert.Same(t, Embedder(stub), NewRateLimited(stub, 0, 0))

	limited := NewRateLimited(stub, 1, 1)
	assert.Equal(t, 8, limited.Dimension())

	_, err := limited.Embed(context.Background(), "first")
	require.NoError(t, err)

	// The bucket is empty; the next call must wait about a second.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = limited.Embed(ctx, "second")
	assert.Error(t, err)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestInstrumented(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	ctx := context.Background()

	ok := &stubEmbedder{dim: 4}
	inst := NewInstrumented(ok, "tei", "test-model", tel.Meter(instrumentationName), tel.Tracer(instrumentationName), nil)
	_, err := inst.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 4, inst.Dimension())
	assert.True(t, tel.HasMetric(ctx, "estimatord.embedding.generation_duration_seconds"))
	assert.False(t, tel.HasMetric(ctx, "estimatord.embedding.errors_total"))

	failing := &stubEmbedder{dim: 4, err: errors.New("boom")}
	inst = NewInstrumented(failing, "tei", "test-model", tel.Meter(instrumentationName), tel.Tracer(instrumentationName), nil)
	_, err = inst.Embed(ctx, "hello")
	require.Error(t, err)
	assert.True(t, tel.HasMetric(ctx, "estimatord.embedding.errors_total"))
	assert.Equal(t, []string{"embeddings.Embed", "embeddings.Embed"}, tel.SpanNames())
}

func TestNewProvider(t *testing.T) {
	srv, _ := newTEIServer(t, 384, http.StatusOK)

	e, err := NewProvider(config.EmbeddingsConfig{
		Provider:   "tei",
		BaseURL:    srv.URL,
		Model:      "BAAI/bge-small-en-v1.5",
		Timeout:    time.Second,
		Burst:      5,
		Dimensions: 0,
	}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 384, e.Dimension())
	v, err := e.Embed(context.Background(), "concrete slab 20x30")
	require.NoError(t, err)
	assert.Len(t, v, 384)

	_, err = NewProvider(config.EmbeddingsConfig{Provider: "word2vec"}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(config.EmbeddingsConfig{Provider: "openai", Model: "text-embedding-3-large"}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
