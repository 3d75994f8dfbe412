package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var postgresTracer = otel.Tracer("estimatord.vectorstore.postgres")

// PostgresStore keeps records in the client_embeddings table (see the
// migrations package). The embedding column is an unconstrained pgvector
// vector and rows are compared only with rows of the same dimensions.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Backend = (*PostgresStore)(nil)

// NewPostgresStore uses pool; the caller owns its lifecycle.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

const upsertSQL = `
INSERT INTO client_embeddings
  (id, client_id, job_id, source_path, source_type, content, embedding, dimensions, metadata, revision, created_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7::vector, $8, $9, $10, $11, $12)
ON CONFLICT (client_id, source_path, source_type, revision) DO UPDATE SET
  job_id = EXCLUDED.job_id,
  content = EXCLUDED.content,
  embedding = EXCLUDED.embedding,
  dimensions = EXCLUDED.dimensions,
  metadata = EXCLUDED.metadata,
  updated_at = EXCLUDED.updated_at
WHERE client_embeddings.updated_at <= EXCLUDED.updated_at
RETURNING created_at, updated_at`

func (s *PostgresStore) Upsert(ctx context.Context, rec *EmbeddingRecord) (*EmbeddingRecord, error) {
	if rec == nil || rec.ClientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := postgresTracer.Start(ctx, "PostgresStore.Upsert")
	defer span.End()

	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
		}
	}

	stored := rec.clone()
	err := s.pool.QueryRow(ctx, upsertSQL,
		rec.ID, rec.ClientID, rec.JobID, rec.SourcePath, string(rec.SourceType), rec.Content,
		pgvector.NewVector(rec.Embedding), rec.Dimensions, meta, rec.Revision,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		span.SetStatus(codes.Error, "stale write")
		return nil, ErrStaleWrite
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upserting embedding: %w", err)
	}
	span.SetStatus(codes.Ok, "success")
	return stored, nil
}

// The candidate set is materialized so the distance operator never sees a
// row of different dimensions.
const searchSQL = `
WITH candidates AS MATERIALIZED (
  SELECT id, client_id, job_id, source_path, source_type, content, embedding,
         dimensions, metadata, revision, created_at, updated_at
  FROM client_embeddings
  WHERE client_id = $1
    AND dimensions = $6
    AND ($3::text = '' OR job_id = $3 OR job_id IS NULL)
)
SELECT id, client_id, COALESCE(job_id, ''), source_path, source_type, content,
       dimensions, metadata, revision, created_at, updated_at,
       1 - (embedding <=> $2::vector) AS similarity
FROM candidates
WHERE 1 - (embedding <=> $2::vector) > $4
ORDER BY similarity DESC, created_at ASC, id ASC
LIMIT $5`

func (s *PostgresStore) Search(ctx context.Context, q Query) ([]SearchResult, error) {
	if q.ClientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := postgresTracer.Start(ctx, "PostgresStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", q.Limit))

	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.pool.Query(ctx, searchSQL,
		q.ClientID, pgvector.NewVector(q.Embedding), q.JobID, q.Threshold, limit, len(q.Embedding))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching embeddings: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r          SearchResult
			sourceType string
			meta       []byte
		)
		if err := rows.Scan(&r.ID, &r.ClientID, &r.JobID, &r.SourcePath, &sourceType, &r.Content,
			&r.Dimensions, &meta, &r.Revision, &r.CreatedAt, &r.UpdatedAt, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		r.SourceType = SourceType(sourceType)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of %s: %w", r.ID, err)
			}
		}
		if r.ClientID != q.ClientID {
			continue
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("iterating search rows: %w", err)
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

func (s *PostgresStore) Delete(ctx context.Context, scope DeleteScope) error {
	if scope.ClientID == "" {
		return ErrMissingTenant
	}
	ctx, span := postgresTracer.Start(ctx, "PostgresStore.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("scope", scope.Level()))

	var (
		sql  string
		args []any
	)
	switch scope.Level() {
	case "source":
		sql = `DELETE FROM client_embeddings WHERE client_id = $1 AND source_path = $2`
		args = []any{scope.ClientID, scope.SourcePath}
	case "job":
		sql = `DELETE FROM client_embeddings WHERE client_id = $1 AND job_id = $2`
		args = []any{scope.ClientID, scope.JobID}
	default:
		sql = `DELETE FROM client_embeddings WHERE client_id = $1`
		args = []any{scope.ClientID}
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting embeddings: %w", err)
	}
	span.SetAttributes(attribute.Int64("rows_deleted", tag.RowsAffected()))
	span.SetStatus(codes.Ok, "success")
	return nil
}

const statsSQL = `
SELECT count(*),
       count(DISTINCT source_path),
       count(DISTINCT job_id),
       COALESCE(avg(dimensions), 0)::float8
FROM client_embeddings
WHERE client_id = $1`

func (s *PostgresStore) Stats(ctx context.Context, clientID string) (*Stats, error) {
	if clientID == "" {
		return nil, ErrMissingTenant
	}
	ctx, span := postgresTracer.Start(ctx, "PostgresStore.Stats")
	defer span.End()

	var st Stats
	if err := s.pool.QueryRow(ctx, statsSQL, clientID).Scan(
		&st.TotalEmbeddings, &st.UniqueSources, &st.UniqueJobs, &st.AvgDimensions); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("computing stats: %w", err)
	}
	return &st, nil
}

// Close does not close the shared pool.
func (s *PostgresStore) Close() error { return nil }
