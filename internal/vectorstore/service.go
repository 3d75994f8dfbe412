package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/estimatord/internal/embeddings"
	"github.com/fyrsmithlabs/estimatord/internal/tenant"
)

// Service defaults.
const (
	DefaultLimit     = 10
	DefaultThreshold = 0.7
	DefaultMaxLimit  = 100

	defaultQueryTimeout = 10 * time.Second
	defaultEmbedTimeout = 30 * time.Second
)

// Options tunes a Service. Zero values take the defaults above.
type Options struct {
	DefaultLimit     int
	DefaultThreshold *float64
	MaxLimit         int
	QueryTimeout     time.Duration
	EmbedTimeout     time.Duration
	// Dimensions every stored and queried vector must have.
	Dimensions int
	Clock      func() time.Time
}

func (o *Options) applyDefaults() {
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = DefaultLimit
	}
	if o.DefaultThreshold == nil {
		t := DefaultThreshold
		o.DefaultThreshold = &t
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = DefaultMaxLimit
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = defaultQueryTimeout
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = defaultEmbedTimeout
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Service is the tenant-scoped retrieval API. Identifiers are validated
// before the embedder or the backend sees them.
type Service struct {
	backend  Backend
	embedder embeddings.Embedder
	opts     Options
	logger   *zap.Logger
	metrics  *Metrics
}

// NewService wires a backend and an embedder. The embedder may be nil, in
// which case only SearchSimilar, DeleteEmbeddings and GetStats work.
func NewService(backend Backend, embedder embeddings.Embedder, opts Options, logger *zap.Logger, metrics *Metrics) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidConfig)
	}
	opts.applyDefaults()
	if opts.Dimensions <= 0 && embedder != nil {
		opts.Dimensions = embedder.Dimension()
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", ErrInvalidConfig)
	}
	if embedder != nil && embedder.Dimension() != opts.Dimensions {
		return nil, fmt.Errorf("%w: embedder produces %d dimensions, store expects %d",
			ErrInvalidConfig, embedder.Dimension(), opts.Dimensions)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		backend:  backend,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Dimensions returns the vector length the service accepts.
func (s *Service) Dimensions() int { return s.opts.Dimensions }

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

// checkVector rejects vectors of the wrong length and vectors with no direction.
func (s *Service) checkVector(v []float32) error {
	if len(v) != s.opts.Dimensions {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.opts.Dimensions)
	}
	var norm float64
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return invalid(errors.New("embedding contains non-finite values"))
		}
		norm += f * f
	}
	if norm == 0 {
		return invalid(errors.New("embedding has zero magnitude"))
	}
	return nil
}

// finish records metrics and the single log entry of an operation.
func (s *Service) finish(op string, start time.Time, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	fields = append(fields, zap.String("operation", op), zap.Duration("duration", elapsed))
	switch {
	case err == nil:
		s.metrics.observe(op, "success", elapsed)
		s.logger.Info("vectorstore operation succeeded", fields...)
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrDimensionMismatch):
		s.metrics.observe(op, "rejected", elapsed)
		s.logger.Warn("vectorstore request rejected", append(fields, zap.Error(err))...)
	default:
		s.metrics.observe(op, "error", elapsed)
		s.logger.Error("vectorstore operation failed", append(fields, zap.Error(err))...)
	}
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrInvalidConfig)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.EmbedTimeout)
	defer cancel()
	return s.embedder.Embed(ctx, text)
}

// StoreEmbedding embeds req.Content and upserts the record. A zero Revision
// is stored as revision 1.
func (s *Service) StoreEmbedding(ctx context.Context, req StoreRequest) (rec *EmbeddingRecord, err error) {
	start := time.Now()
	defer func() {
		s.finish("store", start, err,
			zap.String("client_id", req.ClientID),
			zap.String("source_path", req.SourcePath),
		)
	}()

	if err := tenant.ValidateClientID(req.ClientID); err != nil {
		return nil, invalid(err)
	}
	if err := tenant.ValidateJobID(req.JobID); err != nil {
		return nil, invalid(err)
	}
	if err := tenant.ValidateSourcePath(req.SourcePath); err != nil {
		return nil, invalid(err)
	}
	if !req.SourceType.Valid() {
		return nil, invalid(fmt.Errorf("unknown source type %q", req.SourceType))
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, invalid(errors.New("content is empty"))
	}
	if req.Revision < 0 {
		return nil, invalid(fmt.Errorf("negative revision %d", req.Revision))
	}
	revision := req.Revision
	if revision == 0 {
		revision = 1
	}

	vec, err := s.embed(ctx, req.Content)
	if err != nil {
		if errors.Is(err, embeddings.ErrDimensionMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrDimensionMismatch, err)
		}
		return nil, fmt.Errorf("%w: embedding content: %w", ErrIngestionFailed, err)
	}
	if err := s.checkVector(vec); err != nil {
		return nil, err
	}

	now := s.opts.Clock().UTC()
	candidate := &EmbeddingRecord{
		ID:         RecordID(req.ClientID, req.SourcePath, req.SourceType, revision),
		ClientID:   req.ClientID,
		JobID:      req.JobID,
		SourcePath: req.SourcePath,
		SourceType: req.SourceType,
		Content:    req.Content,
		Embedding:  vec,
		Metadata:   req.Metadata,
		Revision:   revision,
		Dimensions: len(vec),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	bctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	stored, err := s.backend.Upsert(bctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIngestionFailed, err)
	}
	return stored, nil
}

func (s *Service) resolve(clientID, jobID string, limit int, threshold *float64) (Query, error) {
	if err := tenant.ValidateClientID(clientID); err != nil {
		return Query{}, invalid(err)
	}
	if err := tenant.ValidateJobID(jobID); err != nil {
		return Query{}, invalid(err)
	}
	q := Query{ClientID: clientID, JobID: jobID, Limit: limit, Threshold: *s.opts.DefaultThreshold}
	switch {
	case limit == 0:
		q.Limit = s.opts.DefaultLimit
	case limit < 0 || limit > s.opts.MaxLimit:
		return Query{}, invalid(fmt.Errorf("limit must be between 1 and %d", s.opts.MaxLimit))
	}
	if threshold != nil {
		t := *threshold
		if math.IsNaN(t) || t < -1 || t > 1 {
			return Query{}, invalid(errors.New("threshold must be between -1 and 1"))
		}
		q.Threshold = t
	}
	return q, nil
}

// SearchSimilar returns the tenant's rows whose similarity to the query
// embedding exceeds the threshold. An empty result is not an error.
func (s *Service) SearchSimilar(ctx context.Context, sq SearchQuery) (results []SearchResult, err error) {
	start := time.Now()
	defer func() {
		s.finish("search", start, err, zap.String("client_id", sq.ClientID), zap.Int("results", len(results)))
	}()

	q, err := s.resolve(sq.ClientID, sq.JobID, sq.Limit, sq.Threshold)
	if err != nil {
		return nil, err
	}
	if err := s.checkVector(sq.Embedding); err != nil {
		return nil, err
	}
	q.Embedding = sq.Embedding
	return s.search(ctx, q)
}

func (s *Service) search(ctx context.Context, q Query) ([]SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()

	results, err := s.backend.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.ClientID != q.ClientID {
			s.logger.Error("backend returned a row of another tenant",
				zap.String("client_id", q.ClientID),
				zap.String("id", r.ID),
			)
			continue
		}
		r.Embedding = nil
		out = append(out, r)
	}
	s.metrics.observeResults(len(out))
	return out, nil
}

// SearchText embeds tq.Text and runs a similarity search with it.
func (s *Service) SearchText(ctx context.Context, tq TextQuery) (results []SearchResult, err error) {
	start := time.Now()
	defer func() {
		s.finish("search_text", start, err, zap.String("client_id", tq.ClientID), zap.Int("results", len(results)))
	}()

	q, err := s.resolve(tq.ClientID, tq.JobID, tq.Limit, tq.Threshold)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tq.Text) == "" {
		return nil, invalid(errors.New("query text is empty"))
	}
	vec, err := s.embed(ctx, tq.Text)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", ErrSearchFailed, err)
	}
	if err := s.checkVector(vec); err != nil {
		return nil, err
	}
	q.Embedding = vec
	return s.search(ctx, q)
}

// DeleteEmbeddings purges one scope of a tenant: a source path if given,
// else a job, else every row of the tenant.
func (s *Service) DeleteEmbeddings(ctx context.Context, scope DeleteScope) (err error) {
	start := time.Now()
	defer func() {
		s.finish("delete", start, err, zap.String("client_id", scope.ClientID), zap.String("scope", scope.Level()))
	}()

	if err := tenant.ValidateClientID(scope.ClientID); err != nil {
		return invalid(err)
	}
	switch scope.Level() {
	case "source":
		if err := tenant.ValidateSourcePath(scope.SourcePath); err != nil {
			return invalid(err)
		}
	case "job":
		if err := tenant.ValidateJobID(scope.JobID); err != nil {
			return invalid(err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	if err := s.backend.Delete(ctx, scope); err != nil {
		return fmt.Errorf("deleting %s: %w", scope, err)
	}
	return nil
}

// GetStats summarizes one tenant's rows.
func (s *Service) GetStats(ctx context.Context, clientID string) (st *Stats, err error) {
	start := time.Now()
	defer func() {
		s.finish("stats", start, err, zap.String("client_id", clientID))
	}()

	if err := tenant.ValidateClientID(clientID); err != nil {
		return nil, invalid(err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.QueryTimeout)
	defer cancel()
	st, err = s.backend.Stats(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	return st, nil
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}
