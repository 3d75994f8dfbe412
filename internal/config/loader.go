package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment variable read by LoadWithFile.
	EnvPrefix = "ESTIMATORD_"
)

// defaults is loaded before the config file so that zero values in the file
// (false, 0) can still override a non-zero default.
const defaults = `
server:
  http_host: 0.0.0.0
  http_port: 8080
  shutdown_timeout: 10s
  body_limit: 2M
observability:
  enable_telemetry: false
  service_name: estimatord
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  sample_rate: 1.0
logging:
  level: info
  format: json
security:
  session_cookie: estimator_session
  log_success: true
  resolver: static
ratelimit:
  backend: memory
  bucket: estimatord_ratelimit
  window: 1m
  ingest: 60
  search: 120
  delete: 20
  stats: 60
nats:
  name: estimatord
postgres:
  max_conns: 10
vectorstore:
  provider: memory
  default_limit: 10
  default_threshold: 0.7
  query_timeout: 10s
  chromem_path: ~/.config/estimatord/vectorstore
  chromem_compress: true
  qdrant_host: localhost
  qdrant_port: 6334
  qdrant_collection: estimator_embeddings
embeddings:
  provider: openai
  model: text-embedding-3-large
  base_url: https://api.openai.com/v1
  dimensions: 3072
  timeout: 30s
  requests_per_second: 20
  burst: 5
`

// LoadWithFile loads configuration from defaults, then the YAML file, then
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (ESTIMATORD_SERVER_HTTP_PORT, ...)
//  2. YAML config file (~/.config/estimatord/config.yaml)
//  3. Built-in defaults
//
// A missing file is not an error. An existing file must live under
// ~/.config/estimatord/ or /etc/estimatord/, be 0600 or 0400, and be at most
// 1MB.
//
// Environment variables drop the prefix and split on the first underscore:
//
//	ESTIMATORD_SERVER_HTTP_PORT        -> server.http_port
//	ESTIMATORD_VECTORSTORE_QDRANT_HOST -> vectorstore.qdrant_host
//	ESTIMATORD_SECURITY_ADMINS=a,b     -> security.admins = [a b]
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configPath = filepath.Join(dir, "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expanded, err := expandHome(cfg.VectorStore.ChromemPath)
	if err != nil {
		return nil, err
	}
	cfg.VectorStore.ChromemPath = expanded

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envTransform maps ESTIMATORD_SECTION_FIELD_NAME to section.field_name.
// List-valued keys accept comma separated values.
func envTransform(key, value string) (string, interface{}) {
	lower := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	path := parts[0] + "." + parts[1]
	if path == "security.admins" {
		var admins []string
		for _, a := range strings.Split(value, ",") {
			if a = strings.TrimSpace(a); a != "" {
				admins = append(admins, a)
			}
		}
		return path, admins
	}
	return path, value
}

// readConfigFile opens the file once and validates through the descriptor
// to avoid a stat/open race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// DefaultConfigDir returns ~/.config/estimatord.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "estimatord"), nil
}

// EnsureConfigDir creates the estimatord config directory with 0700 permissions.
func EnsureConfigDir() error {
	dir, err := DefaultConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Symlinks are resolved so they cannot point outside the allowed dirs.
	// Paths that do not exist yet are checked as given.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	userDir, err := DefaultConfigDir()
	if err != nil {
		return err
	}

	for _, dir := range []string{userDir, "/etc/estimatord"} {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/estimatord/ or /etc/estimatord/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// applyDefaults fills cfg from the built-in defaults document.
func applyDefaults(cfg *Config) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
	if err := k.Unmarshal("", cfg); err != nil {
		panic(fmt.Sprintf("config: invalid built-in defaults: %v", err))
	}
}
