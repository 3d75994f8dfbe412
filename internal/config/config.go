// Package config provides configuration loading for estimatord.
//
// Values come from three layers: built-in defaults, an optional YAML file
// and ESTIMATORD_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete estimatord configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Security      SecurityConfig      `koanf:"security"`
	RateLimit     RateLimitConfig     `koanf:"ratelimit"`
	NATS          NATSConfig          `koanf:"nats"`
	Postgres      PostgresConfig      `koanf:"postgres"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	BodyLimit       string        `koanf:"body_limit"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	ServiceName     string  `koanf:"service_name"`
	Endpoint        string  `koanf:"endpoint"`
	Protocol        string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool    `koanf:"insecure"`
	SampleRate      float64 `koanf:"sample_rate"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SecurityConfig configures the tenant security gate.
type SecurityConfig struct {
	JWTSecret     Secret `koanf:"jwt_secret"`
	JWTIssuer     string `koanf:"jwt_issuer"`
	SessionCookie string `koanf:"session_cookie"`
	// LogSuccess emits an info audit event for every granted request.
	LogSuccess bool `koanf:"log_success"`
	// Resolver selects the permission backend: "static" or "postgres".
	Resolver    string             `koanf:"resolver"`
	Admins      []string           `koanf:"admins"`
	Memberships []MembershipConfig `koanf:"memberships"`
	// AuditSubject is the NATS subject prefix for audit events. Empty disables NATS auditing.
	AuditSubject string `koanf:"audit_subject"`
}

// MembershipConfig is a static tenant membership used by the static resolver.
type MembershipConfig struct {
	UserID         string `koanf:"user_id"`
	ClientID       string `koanf:"client_id"`
	OrganizationID string `koanf:"organization_id"`
	Role           string `koanf:"role"`
}

// RateLimitConfig configures per-user, per-tenant request limits.
type RateLimitConfig struct {
	// Backend is "memory" (single instance) or "nats" (shared JetStream KV).
	Backend string        `koanf:"backend"`
	Bucket  string        `koanf:"bucket"`
	Window  time.Duration `koanf:"window"`
	Ingest  int           `koanf:"ingest"`
	Search  int           `koanf:"search"`
	Delete  int           `koanf:"delete"`
	Stats   int           `koanf:"stats"`
}

// NATSConfig holds the NATS connection used for counters and audit events.
type NATSConfig struct {
	URL  string `koanf:"url"`
	Name string `koanf:"name"`
}

// PostgresConfig holds the relational store connection.
type PostgresConfig struct {
	DSN      Secret `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
}

// VectorStoreConfig selects and configures the retrieval backend.
type VectorStoreConfig struct {
	// Provider is one of "memory", "chromem", "qdrant" or "postgres".
	Provider         string        `koanf:"provider"`
	DefaultLimit     int           `koanf:"default_limit"`
	DefaultThreshold float64       `koanf:"default_threshold"`
	QueryTimeout     time.Duration `koanf:"query_timeout"`

	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`

	QdrantHost       string `koanf:"qdrant_host"`
	QdrantPort       int    `koanf:"qdrant_port"`
	QdrantCollection string `koanf:"qdrant_collection"`
	QdrantAPIKey     Secret `koanf:"qdrant_api_key"`
	QdrantUseTLS     bool   `koanf:"qdrant_use_tls"`
}

// EmbeddingsConfig configures the embedding model client.
type EmbeddingsConfig struct {
	// Provider is "openai" or "tei".
	Provider          string        `koanf:"provider"`
	Model             string        `koanf:"model"`
	BaseURL           string        `koanf:"base_url"`
	APIKey            Secret        `koanf:"api_key"`
	Dimensions        int           `koanf:"dimensions"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	switch c.Security.Resolver {
	case "static", "postgres":
	default:
		return fmt.Errorf("unknown security resolver %q", c.Security.Resolver)
	}
	if !c.Security.JWTSecret.IsSet() {
		return errors.New("security.jwt_secret is required")
	}
	if len(c.Security.JWTSecret.Value()) < 32 {
		return errors.New("security.jwt_secret must be at least 32 bytes")
	}
	if c.Security.Resolver == "postgres" && !c.Postgres.DSN.IsSet() {
		return errors.New("postgres.dsn is required for the postgres resolver")
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats.url is required for the nats rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.window must be positive")
	}
	for name, limit := range map[string]int{
		"ingest": c.RateLimit.Ingest,
		"search": c.RateLimit.Search,
		"delete": c.RateLimit.Delete,
		"stats":  c.RateLimit.Stats,
	} {
		if limit < 1 {
			return fmt.Errorf("ratelimit.%s must be >= 1, got %d", name, limit)
		}
	}
	if c.Security.AuditSubject != "" && c.NATS.URL == "" {
		return errors.New("nats.url is required when security.audit_subject is set")
	}

	if err := c.VectorStore.validate(c.Postgres); err != nil {
		return err
	}
	return c.Embeddings.validate()
}

func (v VectorStoreConfig) validate(pg PostgresConfig) error {
	switch v.Provider {
	case "memory":
	case "chromem":
		if v.ChromemPath == "" {
			return errors.New("vectorstore.chromem_path is required")
		}
	case "qdrant":
		if v.QdrantHost == "" || v.QdrantPort == 0 {
			return errors.New("vectorstore.qdrant_host and qdrant_port are required")
		}
		if v.QdrantCollection == "" {
			return errors.New("vectorstore.qdrant_collection is required")
		}
	case "postgres":
		if !pg.DSN.IsSet() {
			return errors.New("postgres.dsn is required for the postgres vector store")
		}
	default:
		return fmt.Errorf("unknown vectorstore provider %q", v.Provider)
	}
	if v.DefaultLimit < 1 {
		return fmt.Errorf("vectorstore.default_limit must be >= 1, got %d", v.DefaultLimit)
	}
	if v.DefaultThreshold < -1 || v.DefaultThreshold > 1 {
		return fmt.Errorf("vectorstore.default_threshold must be within [-1, 1], got %f", v.DefaultThreshold)
	}
	if v.QueryTimeout <= 0 {
		return errors.New("vectorstore.query_timeout must be positive")
	}
	return nil
}

func (e EmbeddingsConfig) validate() error {
	switch e.Provider {
	case "openai":
		if !e.APIKey.IsSet() {
			return errors.New("embeddings.api_key is required for the openai provider")
		}
	case "tei":
		if e.BaseURL == "" {
			return errors.New("embeddings.base_url is required for the tei provider")
		}
	default:
		return fmt.Errorf("unknown embeddings provider %q", e.Provider)
	}
	if e.Dimensions < 1 {
		return fmt.Errorf("embeddings.dimensions must be >= 1, got %d", e.Dimensions)
	}
	if e.Timeout <= 0 {
		return errors.New("embeddings.timeout must be positive")
	}
	if e.RequestsPerSecond < 0 {
		return errors.New("embeddings.requests_per_second cannot be negative")
	}
	return nil
}
