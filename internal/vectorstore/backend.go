package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Backend stores records for many tenants. Implementations must refuse an
// empty client id with ErrMissingTenant and must never return a row of
// another tenant.
type Backend interface {
	// Upsert writes rec keyed by rec.ID. If a stored row is newer than
	// rec.UpdatedAt the write is rejected with ErrStaleWrite. CreatedAt of
	// an existing row is preserved. It returns the stored record.
	Upsert(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error)
	Search(ctx context.Context, q Query) ([]SearchResult, error)
	Delete(ctx context.Context, scope DeleteScope) error
	Stats(ctx context.Context, clientID string) (*Stats, error)
	Close() error
}

// cosineSimilarity returns a·b / (|a||b|), or NaN for zero-length or
// mismatched vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// jobVisible reports whether a row of rowJob is visible to a query for
// queryJob. Rows without a job are visible to every job of the tenant.
func jobVisible(rowJob, queryJob string) bool {
	return queryJob == "" || rowJob == "" || rowJob == queryJob
}

// rank drops rows at or below threshold (and NaN), orders the rest and caps
// the result at limit.
func rank(candidates []SearchResult, limit int, threshold float64) []SearchResult {
	kept := candidates[:0]
	for _, c := range candidates {
		if c.Similarity > threshold {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
