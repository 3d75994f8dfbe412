package vectorstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/estimatord/internal/embeddings"
	"github.com/fyrsmithlabs/estimatord/internal/tenant"
)

// stubEmbedder maps known texts to vectors.
type stubEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   []string
	dims    int
}

func newStubEmbedder(dims int) *stubEmbedder {
	return &stubEmbedder{vectors: map[string][]float32{}, dims: dims}
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, text)
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, e.dims)
	v[0] = 1
	return v, nil
}

func (e *stubEmbedder) Dimension() int { return e.dims }

func (e *stubEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// spyBackend records calls and delegates to a MemoryStore.
type spyBackend struct {
	*MemoryStore
	mu        sync.Mutex
	calls     []string
	searchErr error
	upsertErr error
	lastQuery Query
	inject    []SearchResult
}

func newSpyBackend() *spyBackend {
	return &spyBackend{MemoryStore: NewMemoryStore()}
}

func (b *spyBackend) record(op string) {
	b.mu.Lock()
	b.calls = append(b.calls, op)
	b.mu.Unlock()
}

func (b *spyBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *spyBackend) Upsert(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error) {
	b.record("upsert")
	if b.upsertErr != nil {
		return nil, b.upsertErr
	}
	return b.MemoryStore.Upsert(ctx, rec)
}

func (b *spyBackend) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	b.record("search")
	b.lastQuery = q
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	res, err := b.MemoryStore.Search(ctx, q)
	return append(res, b.inject...), err
}

func (b *spyBackend) Delete(ctx context.Context, scope DeleteScope) error {
	b.record("delete")
	return b.MemoryStore.Delete(ctx, scope)
}

func (b *spyBackend) Stats(ctx context.Context, clientID string) (*Stats, error) {
	b.record("stats")
	return b.MemoryStore.Stats(ctx, clientID)
}

type serviceFixture struct {
	svc      *Service
	backend  *spyBackend
	embedder *stubEmbedder
	logs     *observer.ObservedLogs
	reg      *prometheus.Registry
	metrics  *Metrics
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f := &serviceFixture{
		backend:  newSpyBackend(),
		embedder: newStubEmbedder(4),
		logs:     logs,
		reg:      prometheus.NewRegistry(),
		now:      baseTime,
	}
	f.metrics = NewMetrics(f.reg)
	svc, err := NewService(f.backend, f.embedder, Options{
		Dimensions: 4,
		Clock:      func() time.Time { return f.now },
	}, zap.New(core), f.metrics)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func ptr(f float64) *float64 { return &f }

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, newStubEmbedder(4), Options{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewService(NewMemoryStore(), nil, Options{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig, "no dimensions without embedder")

	_, err = NewService(NewMemoryStore(), newStubEmbedder(8), Options{Dimensions: 4}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	svc, err := NewService(NewMemoryStore(), newStubEmbedder(8), Options{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, svc.Dimensions())
}

func TestService_InvalidClientIDNeverReachesBackend(t *testing.T) {
	ctx := context.Background()
	for _, id := range []string{"", "ab", "acme-co", "acme co", strings.Repeat("a", 51), "acme_co;drop"} {
		t.Run(id, func(t *testing.T) {
			f := newServiceFixture(t)

			_, err := f.svc.StoreEmbedding(ctx, StoreRequest{ClientID: id, SourcePath: "a.pdf", SourceType: SourceFile, Content: "x"})
			assert.ErrorIs(t, err, ErrInvalidRequest)
			_, err = f.svc.SearchSimilar(ctx, SearchQuery{ClientID: id, Embedding: unitX})
			assert.ErrorIs(t, err, ErrInvalidRequest)
			_, err = f.svc.SearchText(ctx, TextQuery{ClientID: id, Text: "concrete"})
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.ErrorIs(t, f.svc.DeleteEmbeddings(ctx, DeleteScope{ClientID: id}), ErrInvalidRequest)
			_, err = f.svc.GetStats(ctx, id)
			assert.ErrorIs(t, err, ErrInvalidRequest)

			assert.Zero(t, f.backend.callCount())
			assert.Zero(t, f.embedder.callCount())
		})
	}

	f := newServiceFixture(t)
	_, err := f.svc.GetStats(ctx, "")
	assert.ErrorIs(t, err, tenant.ErrMissingClientID)
	_, err = f.svc.GetStats(ctx, "a-b-c")
	assert.ErrorIs(t, err, tenant.ErrInvalidClientID)
}

func TestService_StoreEmbedding(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	rec, err := f.svc.StoreEmbedding(ctx, StoreRequest{
		ClientID:   "acme_co",
		JobID:      "job_1",
		SourcePath: "plans/plan.pdf",
		SourceType: SourceFile,
		Content:    "foundation requires 40 cubic yards concrete",
		Metadata:   map[string]any{"page": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, RecordID("acme_co", "plans/plan.pdf", SourceFile, 1), rec.ID)
	assert.Equal(t, 1, rec.Revision)
	assert.Equal(t, 4, rec.Dimensions)
	assert.True(t, rec.CreatedAt.Equal(baseTime))
	assert.Equal(t, []string{"foundation requires 40 cubic yards concrete"}, f.embedder.calls)

	// Re-ingest later: same row, creation time kept.
	f.now = baseTime.Add(time.Hour)
	again, err := f.svc.StoreEmbedding(ctx, StoreRequest{
		ClientID:   "acme_co",
		SourcePath: "plans/plan.pdf",
		SourceType: SourceFile,
		Content:    "foundation requires 42 cubic yards concrete",
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)
	assert.True(t, again.CreatedAt.Equal(baseTime))
	assert.True(t, again.UpdatedAt.Equal(baseTime.Add(time.Hour)))

	st, err := f.svc.GetStats(ctx, "acme_co")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalEmbeddings)

	entries := f.logs.FilterMessage("vectorstore operation succeeded").All()
	require.Len(t, entries, 3)
	assert.Equal(t, "store", entries[0].ContextMap()["operation"])
	assert.Contains(t, entries[0].ContextMap(), "duration")
}

func TestService_StoreEmbedding_Rejects(t *testing.T) {
	ctx := context.Background()
	valid := StoreRequest{ClientID: "acme_co", SourcePath: "a.pdf", SourceType: SourceFile, Content: "x"}

	cases := []struct {
		name   string
		mutate func(r *StoreRequest)
	}{
		{"bad job id", func(r *StoreRequest) { r.JobID = "job/../1" }},
		{"empty path", func(r *StoreRequest) { r.SourcePath = " " }},
		{"traversal", func(r *StoreRequest) { r.SourcePath = "../secrets" }},
		{"source type", func(r *StoreRequest) { r.SourceType = "image" }},
		{"blank content", func(r *StoreRequest) { r.Content = "\n\t" }},
		{"negative revision", func(r *StoreRequest) { r.Revision = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t)
			req := valid
			tc.mutate(&req)
			_, err := f.svc.StoreEmbedding(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, f.backend.callCount())
			assert.Zero(t, f.embedder.callCount())
		})
	}
}

func TestService_StoreEmbedding_DimensionMismatch(t *testing.T) {
	f := newServiceFixture(t)
	f.embedder.vectors["short"] = []float32{1, 0}

	_, err := f.svc.StoreEmbedding(context.Background(), StoreRequest{
		ClientID: "acme_co", SourcePath: "a.pdf", SourceType: SourceText, Content: "short",
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, f.backend.callCount(), "nothing is written")
}

func TestService_StoreEmbedding_ZeroVector(t *testing.T) {
	f := newServiceFixture(t)
	f.embedder.vectors["zero"] = []float32{0, 0, 0, 0}

	_, err := f.svc.StoreEmbedding(context.Background(), StoreRequest{
		ClientID: "acme_co", SourcePath: "a.pdf", SourceType: SourceText, Content: "zero",
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, f.backend.callCount())
}

func TestService_StoreEmbedding_UpstreamFailures(t *testing.T) {
	ctx := context.Background()
	req := StoreRequest{ClientID: "acme_co", SourcePath: "a.pdf", SourceType: SourceFile, Content: "x"}

	t.Run("embedder", func(t *testing.T) {
		f := newServiceFixture(t)
		f.embedder.err = errors.New("model unreachable")
		_, err := f.svc.StoreEmbedding(ctx, req)
		assert.ErrorIs(t, err, ErrIngestionFailed)
		assert.Zero(t, f.backend.callCount())
		assert.Equal(t, 1, f.logs.FilterMessage("vectorstore operation failed").Len())
	})

	t.Run("embedder dimension check", func(t *testing.T) {
		f := newServiceFixture(t)
		f.embedder.err = embeddings.ErrDimensionMismatch
		_, err := f.svc.StoreEmbedding(ctx, req)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("backend", func(t *testing.T) {
		f := newServiceFixture(t)
		f.backend.upsertErr = errors.New("connection refused")
		_, err := f.svc.StoreEmbedding(ctx, req)
		assert.ErrorIs(t, err, ErrIngestionFailed)
	})

	t.Run("stale write", func(t *testing.T) {
		f := newServiceFixture(t)
		f.backend.upsertErr = ErrStaleWrite
		_, err := f.svc.StoreEmbedding(ctx, req)
		assert.ErrorIs(t, err, ErrIngestionFailed)
		assert.ErrorIs(t, err, ErrStaleWrite)
	})
}

func TestService_SearchSimilar_Defaults(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.SearchSimilar(context.Background(), SearchQuery{ClientID: "acme_co", Embedding: unitX})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, f.backend.lastQuery.Limit)
	assert.Equal(t, DefaultThreshold, f.backend.lastQuery.Threshold)

	_, err = f.svc.SearchSimilar(context.Background(), SearchQuery{ClientID: "acme_co", Embedding: unitX, Limit: 3, Threshold: ptr(0)})
	require.NoError(t, err)
	assert.Equal(t, 3, f.backend.lastQuery.Limit)
	assert.Equal(t, 0.0, f.backend.lastQuery.Threshold, "explicit zero threshold is kept")
}

func TestService_SearchSimilar_Rejects(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		q    SearchQuery
		want error
	}{
		{"dimensions", SearchQuery{ClientID: "acme_co", Embedding: []float32{1, 0, 0}}, ErrDimensionMismatch},
		{"zero vector", SearchQuery{ClientID: "acme_co", Embedding: []float32{0, 0, 0, 0}}, ErrInvalidRequest},
		{"negative limit", SearchQuery{ClientID: "acme_co", Embedding: unitX, Limit: -1}, ErrInvalidRequest},
		{"limit too large", SearchQuery{ClientID: "acme_co", Embedding: unitX, Limit: DefaultMaxLimit + 1}, ErrInvalidRequest},
		{"threshold too large", SearchQuery{ClientID: "acme_co", Embedding: unitX, Threshold: ptr(1.5)}, ErrInvalidRequest},
		{"bad job", SearchQuery{ClientID: "acme_co", JobID: "a b", Embedding: unitX}, ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newServiceFixture(t)
			_, err := f.svc.SearchSimilar(ctx, tc.q)
			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, f.backend.callCount())
		})
	}
}

func TestService_SearchSimilar_AcmeScenario(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	e1 := []float32{1, 0, 0, 0}
	e2 := []float32{0.9, 0.1, 0, 0}
	f.embedder.vectors["foundation requires 40 cubic yards concrete"] = e1
	f.embedder.vectors["use steel studs"] = e2

	_, err := f.svc.StoreEmbedding(ctx, StoreRequest{ClientID: "acme_co", SourcePath: "plan.pdf", SourceType: SourceFile, Content: "foundation requires 40 cubic yards concrete"})
	require.NoError(t, err)
	_, err = f.svc.StoreEmbedding(ctx, StoreRequest{ClientID: "other_co", SourcePath: "notes.txt", SourceType: SourceText, Content: "use steel studs"})
	require.NoError(t, err)

	results, err := f.svc.SearchSimilar(ctx, SearchQuery{ClientID: "acme_co", Embedding: e2, Threshold: ptr(0.5)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "plan.pdf", results[0].SourcePath)
	assert.Nil(t, results[0].Embedding)
}

func TestService_SearchDropsForeignRows(t *testing.T) {
	f := newServiceFixture(t)
	f.backend.inject = []SearchResult{{EmbeddingRecord: EmbeddingRecord{ID: "x", ClientID: "other_co"}, Similarity: 0.99}}

	results, err := f.svc.SearchSimilar(context.Background(), SearchQuery{ClientID: "acme_co", Embedding: unitX})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, f.logs.FilterMessage("backend returned a row of another tenant").Len())
}

func TestService_SearchText(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.embedder.vectors["steel studs"] = unitY

	_, err := f.svc.SearchText(ctx, TextQuery{ClientID: "acme_co", Text: "steel studs", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, unitY, f.backend.lastQuery.Embedding)
	assert.Equal(t, 5, f.backend.lastQuery.Limit)

	_, err = f.svc.SearchText(ctx, TextQuery{ClientID: "acme_co", Text: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	f.embedder.err = errors.New("timeout")
	_, err = f.svc.SearchText(ctx, TextQuery{ClientID: "acme_co", Text: "steel"})
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestService_SearchBackendFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.backend.searchErr = errors.New("pool exhausted")
	_, err := f.svc.SearchSimilar(context.Background(), SearchQuery{ClientID: "acme_co", Embedding: unitX})
	assert.ErrorIs(t, err, ErrSearchFailed)
}

func TestService_QueryTimeout(t *testing.T) {
	backend := &blockingBackend{MemoryStore: NewMemoryStore()}
	svc, err := NewService(backend, nil, Options{Dimensions: 4, QueryTimeout: 20 * time.Millisecond}, nil, nil)
	require.NoError(t, err)

	_, err = svc.SearchSimilar(context.Background(), SearchQuery{ClientID: "acme_co", Embedding: unitX})
	assert.ErrorIs(t, err, ErrSearchFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingBackend struct{ *MemoryStore }

func (b *blockingBackend) Search(ctx context.Context, _ Query) ([]SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestService_DeleteEmbeddings(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	for _, p := range []string{"a.pdf", "b.pdf"} {
		_, err := f.svc.StoreEmbedding(ctx, StoreRequest{ClientID: "acme_co", JobID: "job_1", SourcePath: p, SourceType: SourceFile, Content: p})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.DeleteEmbeddings(ctx, DeleteScope{ClientID: "acme_co", SourcePath: "a.pdf", JobID: "job_1"}))
	st, err := f.svc.GetStats(ctx, "acme_co")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalEmbeddings)

	assert.ErrorIs(t, f.svc.DeleteEmbeddings(ctx, DeleteScope{ClientID: "acme_co", SourcePath: "../x"}), ErrInvalidRequest)
	assert.ErrorIs(t, f.svc.DeleteEmbeddings(ctx, DeleteScope{ClientID: "acme_co", JobID: "job 1"}), ErrInvalidRequest)

	require.NoError(t, f.svc.DeleteEmbeddings(ctx, DeleteScope{ClientID: "acme_co"}))
	st, err = f.svc.GetStats(ctx, "acme_co")
	require.NoError(t, err)
	assert.Zero(t, st.TotalEmbeddings)
}

func TestService_Metrics(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, err := f.svc.SearchSimilar(ctx, SearchQuery{ClientID: "acme_co", Embedding: unitX})
	require.NoError(t, err)
	_, err = f.svc.SearchSimilar(ctx, SearchQuery{ClientID: "a", Embedding: unitX})
	require.Error(t, err)
	f.backend.searchErr = errors.New("down")
	_, err = f.svc.SearchSimilar(ctx, SearchQuery{ClientID: "acme_co", Embedding: unitX})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("search", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Operations.WithLabelValues("search", "error")))

	count, err := testutil.GatherAndCount(f.reg,
		"estimatord_vectorstore_operation_duration_seconds",
		"estimatord_vectorstore_search_results",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
