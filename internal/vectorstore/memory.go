package vectorstore

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory, partitioned by tenant.
// Search is a brute-force scan of the tenant partition.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*EmbeddingRecord
}

var _ Backend = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]map[string]*EmbeddingRecord)}
}

func (m *MemoryStore) Upsert(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error) {
	if rec == nil || rec.ClientID == "" {
		return nil, ErrMissingTenant
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	partition, ok := m.tenants[rec.ClientID]
	if !ok {
		partition = make(map[string]*EmbeddingRecord)
		m.tenants[rec.ClientID] = partition
	}

	stored := rec.clone()
	if existing, ok := partition[rec.ID]; ok {
		if existing.UpdatedAt.After(rec.UpdatedAt) {
			return nil, ErrStaleWrite
		}
		stored.CreatedAt = existing.CreatedAt
	}
	partition[rec.ID] = stored
	return stored.clone(), nil
}

func (m *MemoryStore) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.ClientID == "" {
		return nil, ErrMissingTenant
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []SearchResult
	for _, rec := range m.tenants[q.ClientID] {
		if rec.ClientID != q.ClientID || !jobVisible(rec.JobID, q.JobID) {
			continue
		}
		if len(rec.Embedding) != len(q.Embedding) {
			continue
		}
		r := rec.clone()
		r.Embedding = nil
		candidates = append(candidates, SearchResult{
			EmbeddingRecord: *r,
			Similarity:      cosineSimilarity(rec.Embedding, q.Embedding),
		})
	}
	return rank(candidates, q.Limit, q.Threshold), nil
}

func (m *MemoryStore) Delete(ctx context.Context, scope DeleteScope) error {
	if scope.ClientID == "" {
		return ErrMissingTenant
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	partition := m.tenants[scope.ClientID]
	switch scope.Level() {
	case "source":
		for id, rec := range partition {
			if rec.SourcePath == scope.SourcePath {
				delete(partition, id)
			}
		}
	case "job":
		for id, rec := range partition {
			if rec.JobID == scope.JobID {
				delete(partition, id)
			}
		}
	default:
		delete(m.tenants, scope.ClientID)
	}
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context, clientID string) (*Stats, error) {
	if clientID == "" {
		return nil, ErrMissingTenant
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	acc := newStatsAccumulator()
	for _, rec := range m.tenants[clientID] {
		acc.add(rec.SourcePath, rec.JobID, rec.Dimensions)
	}
	return acc.stats(), nil
}

func (m *MemoryStore) Close() error { return nil }

// statsAccumulator computes Stats for backends that scan rows.
type statsAccumulator struct {
	total   int64
	dimSum  int64
	sources map[string]struct{}
	jobs    map[string]struct{}
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{sources: map[string]struct{}{}, jobs: map[string]struct{}{}}
}

func (a *statsAccumulator) add(sourcePath, jobID string, dims int) {
	a.total++
	a.dimSum += int64(dims)
	a.sources[sourcePath] = struct{}{}
	if jobID != "" {
		a.jobs[jobID] = struct{}{}
	}
}

func (a *statsAccumulator) stats() *Stats {
	s := &Stats{
		TotalEmbeddings: a.total,
		UniqueSources:   int64(len(a.sources)),
		UniqueJobs:      int64(len(a.jobs)),
	}
	if a.total > 0 {
		s.AvgDimensions = float64(a.dimSum) / float64(a.total)
	}
	return s
}
