package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/estimatord/internal/config"
)

// NewBackend builds the backend named by cfg.Provider. pool is required
// only for the postgres provider and is not closed by the backend.
func NewBackend(ctx context.Context, cfg config.VectorStoreConfig, dims int, pool *pgxpool.Pool, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", cfg.Provider))

	switch cfg.Provider {
	case "memory":
		logger.Warn("using in-memory vector store, data is lost on restart")
		return NewMemoryStore(), nil

	case "chromem":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.ChromemPath,
			Compress:   cfg.ChromemCompress,
			Dimensions: dims,
		}, logger)

	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			Collection: cfg.QdrantCollection,
			APIKey:     cfg.QdrantAPIKey.Value(),
			UseTLS:     cfg.QdrantUseTLS,
			Dimensions: dims,
		}, logger)

	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("%w: postgres provider requires a connection pool", ErrInvalidConfig)
		}
		return NewPostgresStore(pool, logger), nil

	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
