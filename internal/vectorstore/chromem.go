package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("estimatord.vectorstore.chromem")

const chromemScanRetries = 3

// chromem metadata keys.
const (
	metaClientID   = "client_id"
	metaJobID      = "job_id"
	metaSourcePath = "source_path"
	metaSourceType = "source_type"
	metaRevision   = "revision"
	metaDimensions = "dimensions"
	metaCreatedAt  = "created_at"
	metaUpdatedAt  = "updated_at"
	metaUser       = "metadata"
)

var errNoEmbeddingFunc = errors.New("chromem collections are written with precomputed embeddings")

// ChromemConfig configures the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps data in memory only.
	Path     string
	Compress bool
	// Dimensions is the embedding length used to scan collections for stats.
	Dimensions int
}

// ChromemStore keeps one chromem collection per tenant. Rows of a tenant
// never share a collection with another tenant.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
	locks  *keyedMutex
	// count reads a collection's size; replaced in tests.
	count func(*chromem.Collection) int
}

var _ Backend = (*ChromemStore)(nil)

// NewChromemStore opens (or creates) the database.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: chromem dimensions must be positive", ErrInvalidConfig)
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem store initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
		zap.Int("dimensions", cfg.Dimensions),
	)
	return &ChromemStore{
		db:     db,
		config: cfg,
		logger: logger,
		locks:  newKeyedMutex(),
		count:  (*chromem.Collection).Count,
	}, nil
}

func collectionName(clientID string) string {
	return "tenant_" + clientID
}

// embeddingFunc is never expected to run. A nil function would make chromem
// fall back to calling OpenAI.
func embeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errNoEmbeddingFunc
}

func (s *ChromemStore) Upsert(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error) {
	if rec == nil || rec.ClientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collectionName(rec.ClientID)))

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	col, err := s.db.GetOrCreateCollection(collectionName(rec.ClientID), nil, embeddingFunc)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("getting collection: %w", err)
	}

	stored := rec.clone()
	if existing, err := col.GetByID(ctx, rec.ID); err == nil {
		prev, err := decodeChromemDocument(existing.ID, existing.Metadata, existing.Content)
		if err != nil {
			return nil, err
		}
		if prev.UpdatedAt.After(rec.UpdatedAt) {
			span.SetStatus(codes.Error, "stale write")
			return nil, ErrStaleWrite
		}
		stored.CreatedAt = prev.CreatedAt
	}

	meta, err := encodeChromemMetadata(stored)
	if err != nil {
		return nil, err
	}
	if err := col.AddDocument(ctx, chromem.Document{
		ID:        stored.ID,
		Content:   stored.Content,
		Metadata:  meta,
		Embedding: append([]float32(nil), stored.Embedding...),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding document: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	return stored, nil
}

// scan returns every document of a tenant with its similarity to query.
func (s *ChromemStore) scan(ctx context.Context, clientID string, query []float32) ([]chromem.Result, error) {
	col := s.db.GetCollection(collectionName(clientID), embeddingFunc)
	if col == nil {
		return nil, nil
	}
	for attempt := 0; ; attempt++ {
		n := s.count(col)
		if n == 0 {
			return nil, nil
		}
		res, err := col.QueryEmbedding(ctx, query, n, nil, nil)
		if err == nil {
			return res, nil
		}
		// chromem rejects nResults above the current size, so a delete
		// between the count and the query fails it.
		if attempt < chromemScanRetries && s.count(col) < n {
			continue
		}
		return nil, fmt.Errorf("querying collection: %w", err)
	}
}

func (s *ChromemStore) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.ClientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collectionName(q.ClientID)),
		attribute.Int("limit", q.Limit),
	)

	docs, err := s.scan(ctx, q.ClientID, q.Embedding)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	candidates := make([]SearchResult, 0, len(docs))
	for _, d := range docs {
		rec, err := decodeChromemDocument(d.ID, d.Metadata, d.Content)
		if err != nil {
			s.logger.Warn("skipping undecodable document", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		if rec.ClientID != q.ClientID || !jobVisible(rec.JobID, q.JobID) {
			continue
		}
		candidates = append(candidates, SearchResult{EmbeddingRecord: *rec, Similarity: float64(d.Similarity)})
	}

	results := rank(candidates, q.Limit, q.Threshold)
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *ChromemStore) Delete(ctx context.Context, scope DeleteScope) error {
	if scope.ClientID == "" {
		return ErrMissingTenant
	}
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scope.Level()))

	name := collectionName(scope.ClientID)
	if scope.Level() == "tenant" {
		if err := s.db.DeleteCollection(name); err != nil {
			span.RecordError(err)
			return fmt.Errorf("deleting collection: %w", err)
		}
		return nil
	}

	col := s.db.GetCollection(name, embeddingFunc)
	if col == nil {
		return nil
	}
	where := map[string]string{metaSourcePath: scope.SourcePath}
	if scope.Level() == "job" {
		where = map[string]string{metaJobID: scope.JobID}
	}
	if err := col.Delete(ctx, where, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting documents: %w", err)
	}
	return nil
}

func (s *ChromemStore) Stats(ctx context.Context, clientID string) (*Stats, error) {
	if clientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Stats")
	defer span.End()

	axis := make([]float32, s.config.Dimensions)
	axis[0] = 1
	docs, err := s.scan(ctx, clientID, axis)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	acc := newStatsAccumulator()
	for _, d := range docs {
		dims, _ := strconv.Atoi(d.Metadata[metaDimensions])
		acc.add(d.Metadata[metaSourcePath], d.Metadata[metaJobID], dims)
	}
	return acc.stats(), nil
}

// Close is a no-op; persistent collections are written on every change.
func (s *ChromemStore) Close() error { return nil }

func encodeChromemMetadata(r *EmbeddingRecord) (map[string]string, error) {
	meta := map[string]string{
		metaClientID:   r.ClientID,
		metaSourcePath: r.SourcePath,
		metaSourceType: string(r.SourceType),
		metaRevision:   strconv.Itoa(r.Revision),
		metaDimensions: strconv.Itoa(r.Dimensions),
		metaCreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaUpdatedAt:  r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.JobID != "" {
		meta[metaJobID] = r.JobID
	}
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
		}
		meta[metaUser] = string(raw)
	}
	return meta, nil
}

func decodeChromemDocument(id string, meta map[string]string, content string) (*EmbeddingRecord, error) {
	rec := &EmbeddingRecord{
		ID:         id,
		ClientID:   meta[metaClientID],
		JobID:      meta[metaJobID],
		SourcePath: meta[metaSourcePath],
		SourceType: SourceType(meta[metaSourceType]),
		Content:    content,
	}
	var err error
	if rec.Revision, err = strconv.Atoi(meta[metaRevision]); err != nil {
		return nil, fmt.Errorf("decoding revision of %s: %w", id, err)
	}
	if rec.Dimensions, err = strconv.Atoi(meta[metaDimensions]); err != nil {
		return nil, fmt.Errorf("decoding dimensions of %s: %w", id, err)
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, meta[metaCreatedAt]); err != nil {
		return nil, fmt.Errorf("decoding created_at of %s: %w", id, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, meta[metaUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decoding updated_at of %s: %w", id, err)
	}
	if raw := meta[metaUser]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", id, err)
		}
	}
	return rec, nil
}
