package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/estimatord/internal/config"
	"github.com/fyrsmithlabs/estimatord/internal/embeddings"
	apihttp "github.com/fyrsmithlabs/estimatord/internal/http"
	"github.com/fyrsmithlabs/estimatord/internal/logging"
	"github.com/fyrsmithlabs/estimatord/internal/security"
	"github.com/fyrsmithlabs/estimatord/internal/telemetry"
	"github.com/fyrsmithlabs/estimatord/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/estimatord"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.LoadWithFile(configPath)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}

// newLogger builds the process logger from the operator settings.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	if err := lc.Apply(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, nil)
}

// dependencies holds the infrastructure the server is built on.
type dependencies struct {
	telemetry *telemetry.Telemetry
	pool      *pgxpool.Pool
	natsConn  *nats.Conn
	registry  *prometheus.Registry
	store     *vectorstore.Service
	gate      *security.Gate
	limiter   *security.RateLimiter
	access    *security.AccessControl
	janitor   context.CancelFunc
}

// Close releases dependencies in reverse order of acquisition.
func (d *dependencies) Close(ctx context.Context, logger *zap.Logger) {
	if d.janitor != nil {
		d.janitor()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn("closing vector store", zap.Error(err))
		}
	}
	if d.natsConn != nil {
		if err := d.natsConn.Drain(); err != nil {
			logger.Warn("draining nats connection", zap.Error(err))
		}
	}
	if d.pool != nil {
		d.pool.Close()
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			logger.Warn("shutting down telemetry", zap.Error(err))
		}
	}
}

// run starts the server and blocks until ctx is cancelled.
//
// Startup order:
//  1. Logger and telemetry
//  2. Postgres and NATS, when configured
//  3. Security gate, audit sinks and rate limiter
//  4. Embedder, vector backend and retrieval service
//  5. HTTP server
func run(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger := log.Underlying()

	logger.Info("starting estimatord",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("ratelimit_backend", cfg.RateLimit.Backend))

	deps, err := initDependencies(ctx, cfg, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		deps.Close(shutdownCtx, logger)
	}()
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	srv, err := apihttp.NewServer(apihttp.Deps{
		Store:    deps.store,
		Gate:     deps.gate,
		Limiter:  deps.limiter,
		Access:   deps.access,
		Gatherer: deps.registry,
		Metrics:  apihttp.NewHTTPMetrics(deps.telemetry.Meter(instrumentationName), logger),
	}, logger, &apihttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		BodyLimit: cfg.Server.BodyLimit,
		Limits:    rateLimits(cfg.RateLimit),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("received shutdown signal")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func rateLimits(rl config.RateLimitConfig) apihttp.RateLimits {
	return apihttp.RateLimits{
		Window: rl.Window,
		Ingest: rl.Ingest,
		Search: rl.Search,
		Delete: rl.Delete,
		Stats:  rl.Stats,
	}
}

// initDependencies always returns a non-nil dependencies so the caller can
// release whatever was acquired before a failure.
func initDependencies(ctx context.Context, cfg *config.Config, log *logging.Logger) (*dependencies, error) {
	logger := log.Underlying()
	deps := &dependencies{}

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
	if err != nil {
		return deps, fmt.Errorf("telemetry: %w", err)
	}
	deps.telemetry = tel
	for _, problem := range tel.Degraded() {
		logger.Warn("telemetry degraded", zap.Error(problem))
	}

	if cfg.Postgres.DSN.IsSet() {
		pool, err := openPostgres(ctx, cfg.Postgres)
		if err != nil {
			return deps, err
		}
		deps.pool = pool
		logger.Info("connected to postgres", zap.Int32("max_conns", cfg.Postgres.MaxConns))
	}

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("nats disconnected", zap.Error(err))
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
			}),
		)
		if err != nil {
			return deps, fmt.Errorf("connecting to nats: %w", err)
		}
		deps.natsConn = nc
		logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	}

	audit := buildAuditSink(cfg.Security, log, deps.natsConn, logger)

	resolver, err := buildResolver(cfg.Security, deps.pool)
	if err != nil {
		return deps, err
	}
	sessions, err := security.NewJWTSessionResolver(
		[]byte(cfg.Security.JWTSecret.Value()), cfg.Security.JWTIssuer, cfg.Security.SessionCookie, logger)
	if err != nil {
		return deps, fmt.Errorf("session resolver: %w", err)
	}
	deps.gate = security.NewGate(sessions, resolver, audit, security.WithSuccessAudit(cfg.Security.LogSuccess))
	deps.access = security.NewAccessControl(audit)

	counters, err := buildCounterStore(ctx, cfg.RateLimit, deps)
	if err != nil {
		return deps, err
	}
	deps.limiter = security.NewRateLimiter(counters, audit)

	embedder, err := embeddings.NewProvider(cfg.Embeddings,
		tel.Meter(instrumentationName), tel.Tracer(instrumentationName), logger)
	if err != nil {
		return deps, fmt.Errorf("embeddings: %w", err)
	}

	backend, err := vectorstore.NewBackend(ctx, cfg.VectorStore, embedder.Dimension(), deps.pool, logger)
	if err != nil {
		return deps, fmt.Errorf("vector store: %w", err)
	}

	deps.registry = prometheus.NewRegistry()
	deps.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	threshold := cfg.VectorStore.DefaultThreshold
	store, err := vectorstore.NewService(backend, embedder, vectorstore.Options{
		DefaultLimit:     cfg.VectorStore.DefaultLimit,
		DefaultThreshold: &threshold,
		QueryTimeout:     cfg.VectorStore.QueryTimeout,
		EmbedTimeout:     cfg.Embeddings.Timeout,
	}, logger.Named("vectorstore"), vectorstore.NewMetrics(deps.registry))
	if err != nil {
		_ = backend.Close()
		return deps, fmt.Errorf("vector store service: %w", err)
	}
	deps.store = store

	return deps, nil
}

func openPostgres(ctx context.Context, pg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(pg.DSN.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if pg.MaxConns > 0 {
		poolCfg.MaxConns = pg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return pool, nil
}

// buildAuditSink always logs audit events and also publishes them on NATS
// when a subject prefix is configured.
func buildAuditSink(sc config.SecurityConfig, log *logging.Logger, nc *nats.Conn, logger *zap.Logger) security.AuditSink {
	sinks := security.MultiAuditSink{security.NewLoggerAuditSink(log.Named("audit"))}
	if sc.AuditSubject != "" && nc != nil {
		sinks = append(sinks, security.NewNATSAuditSink(nc, sc.AuditSubject, logger))
	}
	return sinks
}

func buildResolver(sc config.SecurityConfig, pool *pgxpool.Pool) (security.PermissionResolver, error) {
	switch sc.Resolver {
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres resolver requires postgres.dsn")
		}
		return security.NewPostgresResolver(pool), nil
	default:
		r, err := security.NewStaticResolverFromConfig(sc)
		if err != nil {
			return nil, fmt.Errorf("static resolver: %w", err)
		}
		return r, nil
	}
}

// buildCounterStore returns the shared JetStream KV store for the nats
// backend, or an in-process store with a janitor goroutine.
func buildCounterStore(ctx context.Context, rl config.RateLimitConfig, deps *dependencies) (security.CounterStore, error) {
	if rl.Backend == "nats" {
		if deps.natsConn == nil {
			return nil, errors.New("nats rate limit backend requires nats.url")
		}
		js, err := deps.natsConn.JetStream()
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		store, err := security.NewNATSCounterStore(js, rl.Bucket, 2*rl.Window, nats.MemoryStorage)
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	store := security.NewMemoryCounterStore()
	janitorCtx, cancel := context.WithCancel(ctx)
	deps.janitor = cancel
	go store.RunJanitor(janitorCtx, rl.Window)
	return store, nil
}
