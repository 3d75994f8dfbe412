package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("estimatord.vectorstore.qdrant")

// Candidates fetched beyond the limit so that ties at the cut are ordered
// by creation time rather than by qdrant's internal order.
const qdrantOverfetch = 16

const qdrantScrollPage = 256

// QdrantConfig configures the qdrant gRPC backend.
type QdrantConfig struct {
	Host       string
	Port       int
	Collection string
	APIKey     string
	UseTLS     bool
	Dimensions int

	MaxRetries     int
	RetryBackoff   time.Duration
	MaxMessageSize int
}

// ApplyDefaults fills zero values.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "client_embeddings"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid qdrant port %d", ErrInvalidConfig, c.Port)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("%w: qdrant dimensions must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a qdrant error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantStore keeps every tenant in a single collection. Tenancy is a
// keyword payload filter on client_id that every read and delete carries.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
	locks  *keyedMutex
}

var _ Backend = (*QdrantStore)(nil)

// NewQdrantStore connects, checks health and ensures the collection and its
// payload indexes exist.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext, TLS disabled", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &QdrantStore{client: client, config: cfg, logger: logger, locks: newKeyedMutex()}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("qdrant health check failed: %w", err)
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant store initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	var exists bool
	err := s.retry(ctx, "collection_exists", func() error {
		var err error
		exists, err = s.client.CollectionExists(ctx, s.config.Collection)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		err := s.retry(ctx, "create_collection", func() error {
			return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: s.config.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(s.config.Dimensions),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			return err
		}
	}

	for _, field := range []string{metaClientID, metaJobID, metaSourcePath} {
		err := s.retry(ctx, "create_field_index", func() error {
			_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: s.config.Collection,
				Wait:           qdrant.PtrOf(true),
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("indexing %s: %w", field, err)
		}
	}
	return nil
}

// retry runs op with exponential backoff while it fails transiently.
func (s *QdrantStore) retry(ctx context.Context, name string, op func() error) error {
	backoff := s.config.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", name, err)
		}
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, s.config.MaxRetries, err)
		}
		s.logger.Debug("retrying qdrant operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func tenantFilter(clientID string, conds ...*qdrant.Condition) *qdrant.Filter {
	return &qdrant.Filter{Must: append([]*qdrant.Condition{qdrant.NewMatch(metaClientID, clientID)}, conds...)}
}

func (s *QdrantStore) Upsert(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error) {
	if rec == nil || rec.ClientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", s.config.Collection))

	unlock := s.locks.Lock(rec.ID)
	defer unlock()

	var existing []*qdrant.RetrievedPoint
	err := s.retry(ctx, "get", func() error {
		var err error
		existing, err = s.client.Get(ctx, &qdrant.GetPoints{
			CollectionName: s.config.Collection,
			Ids:            []*qdrant.PointId{qdrant.NewIDUUID(rec.ID)},
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	stored := rec.clone()
	if len(existing) > 0 {
		prev, err := decodeQdrantPayload(rec.ID, existing[0].GetPayload())
		if err != nil {
			return nil, err
		}
		if prev.ClientID != rec.ClientID {
			return nil, fmt.Errorf("point %s belongs to another tenant", rec.ID)
		}
		if prev.UpdatedAt.After(rec.UpdatedAt) {
			span.SetStatus(codes.Error, "stale write")
			return nil, ErrStaleWrite
		}
		stored.CreatedAt = prev.CreatedAt
	}

	payload, err := encodeQdrantPayload(stored)
	if err != nil {
		return nil, err
	}
	err = s.retry(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(stored.ID),
				Vectors: qdrant.NewVectors(stored.Embedding...),
				Payload: payload,
			}},
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "success")
	return stored, nil
}

func (s *QdrantStore) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.ClientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", q.Limit))

	var conds []*qdrant.Condition
	if q.JobID != "" {
		conds = append(conds, qdrant.NewFilterAsCondition(&qdrant.Filter{
			Should: []*qdrant.Condition{
				qdrant.NewMatch(metaJobID, q.JobID),
				qdrant.NewIsEmpty(metaJobID),
			},
		}))
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(q.Embedding...),
		Filter:         tenantFilter(q.ClientID, conds...),
		ScoreThreshold: qdrant.PtrOf(float32(q.Threshold)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if q.Limit > 0 {
		req.Limit = qdrant.PtrOf(uint64(q.Limit + qdrantOverfetch))
	}

	var points []*qdrant.ScoredPoint
	err := s.retry(ctx, "query", func() error {
		var err error
		points, err = s.client.Query(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	candidates := make([]SearchResult, 0, len(points))
	for _, p := range points {
		id := p.GetId().GetUuid()
		rec, err := decodeQdrantPayload(id, p.GetPayload())
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.String("id", id), zap.Error(err))
			continue
		}
		if rec.ClientID != q.ClientID || !jobVisible(rec.JobID, q.JobID) {
			continue
		}
		candidates = append(candidates, SearchResult{EmbeddingRecord: *rec, Similarity: float64(p.GetScore())})
	}

	results := rank(candidates, q.Limit, q.Threshold)
	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *QdrantStore) Delete(ctx context.Context, scope DeleteScope) error {
	if scope.ClientID == "" {
		return ErrMissingTenant
	}
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scope.Level()))

	var filter *qdrant.Filter
	switch scope.Level() {
	case "source":
		filter = tenantFilter(scope.ClientID, qdrant.NewMatch(metaSourcePath, scope.SourcePath))
	case "job":
		filter = tenantFilter(scope.ClientID, qdrant.NewMatch(metaJobID, scope.JobID))
	default:
		filter = tenantFilter(scope.ClientID)
	}

	err := s.retry(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.config.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *QdrantStore) Stats(ctx context.Context, clientID string) (*Stats, error) {
	if clientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Stats")
	defer span.End()

	acc := newStatsAccumulator()
	var offset *qdrant.PointId
	for {
		req := &qdrant.ScrollPoints{
			CollectionName: s.config.Collection,
			Filter:         tenantFilter(clientID),
			Limit:          qdrant.PtrOf(uint32(qdrantScrollPage)),
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayloadInclude(metaClientID, metaSourcePath, metaJobID, metaDimensions),
		}
		var resp *qdrant.ScrollResponse
		err := s.retry(ctx, "scroll", func() error {
			var err error
			resp, err = s.client.GetPointsClient().Scroll(ctx, req)
			return err
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		for _, p := range resp.GetResult() {
			pl := p.GetPayload()
			if pl[metaClientID].GetStringValue() != clientID {
				continue
			}
			acc.add(pl[metaSourcePath].GetStringValue(), pl[metaJobID].GetStringValue(), int(pl[metaDimensions].GetIntegerValue()))
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}
	return acc.stats(), nil
}

func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func encodeQdrantPayload(r *EmbeddingRecord) (map[string]*qdrant.Value, error) {
	fields := map[string]any{
		metaClientID:   r.ClientID,
		metaSourcePath: r.SourcePath,
		metaSourceType: string(r.SourceType),
		metaRevision:   int64(r.Revision),
		metaDimensions: int64(r.Dimensions),
		metaCreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaUpdatedAt:  r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"content":      r.Content,
	}
	if r.JobID != "" {
		fields[metaJobID] = r.JobID
	}
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
		}
		fields[metaUser] = string(raw)
	}
	return qdrant.NewValueMap(fields), nil
}

func decodeQdrantPayload(id string, pl map[string]*qdrant.Value) (*EmbeddingRecord, error) {
	if pl == nil {
		return nil, errors.New("point has no payload")
	}
	rec := &EmbeddingRecord{
		ID:         id,
		ClientID:   pl[metaClientID].GetStringValue(),
		JobID:      pl[metaJobID].GetStringValue(),
		SourcePath: pl[metaSourcePath].GetStringValue(),
		SourceType: SourceType(pl[metaSourceType].GetStringValue()),
		Content:    pl["content"].GetStringValue(),
		Revision:   int(pl[metaRevision].GetIntegerValue()),
		Dimensions: int(pl[metaDimensions].GetIntegerValue()),
	}
	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, pl[metaCreatedAt].GetStringValue()); err != nil {
		return nil, fmt.Errorf("decoding created_at of %s: %w", id, err)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, pl[metaUpdatedAt].GetStringValue()); err != nil {
		return nil, fmt.Errorf("decoding updated_at of %s: %w", id, err)
	}
	if raw := pl[metaUser].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata of %s: %w", id, err)
		}
	}
	return rec, nil
}
