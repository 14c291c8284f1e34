// Package config loads runtime configuration from config/app.yaml and the
// environment. Environment variables always win over file values; flags are
// resolved by the caller on top of both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the conventional location of the app config file, relative
// to the working directory.
const DefaultPath = "config/app.yaml"

// FallbackLens is used when neither flag, environment, nor file selects a
// lens.
const FallbackLens = "sports"

// Config is the resolved runtime configuration.
type Config struct {
	DefaultLens string `yaml:"default_lens"`
	LensDir     string `yaml:"lens_dir"`
	LogLevel    string `yaml:"log_level"`

	// Parallelism is the per-phase worker count.
	Parallelism int `yaml:"parallelism"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	RawStore RawStoreConfig `yaml:"raw_store"`

	// OTLPEndpoint enables tracing and metrics export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// StrictFields upgrades legacy field-name warnings to hard errors.
	StrictFields bool `yaml:"strict_field_validation"`

	// Env-only values, never read from the file.
	EnvLens         string            `yaml:"-"`
	AnthropicAPIKey string            `yaml:"-"`
	SourceKeys      map[string]string `yaml:"-"`
}

// RawStoreConfig selects where raw payloads are archived.
type RawStoreConfig struct {
	Backend string `yaml:"backend"` // file | s3 | gcs
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	// Endpoint and PathStyle support S3-compatible stores such as MinIO.
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultLens: FallbackLens,
		LensDir:     "lenses",
		LogLevel:    "info",
		Parallelism: 4,
		RawStore: RawStoreConfig{
			Backend: "file",
			Dir:     "data/raw",
		},
		SourceKeys: map[string]string{},
	}
}

// Load builds the configuration from defaults, the YAML file at path (missing
// file is not an error), and the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults + env only.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LENS_ID"); v != "" {
		c.EnvLens = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FACET_RAW_DIR"); v != "" {
		c.RawStore.Dir = v
	}
	if v := os.Getenv("FACET_RAW_BACKEND"); v != "" {
		c.RawStore.Backend = v
	}
	if v := os.Getenv("FACET_RAW_BUCKET"); v != "" {
		c.RawStore.Bucket = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("STRICT_FIELD_VALIDATION"); v == "1" || strings.EqualFold(v, "true") {
		c.StrictFields = true
	}
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")

	if c.SourceKeys == nil {
		c.SourceKeys = map[string]string{}
	}
	// Per-source credentials: FACET_<SOURCE>_API_KEY, source name lowercased.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		src, found := strings.CutPrefix(name, "FACET_")
		if !found {
			continue
		}
		src, found = strings.CutSuffix(src, "_API_KEY")
		if !found || src == "" {
			continue
		}
		c.SourceKeys[strings.ToLower(src)] = value
	}
}

// Validate checks invariants that would otherwise surface deep inside a run.
func (c *Config) Validate() error {
	if c.Parallelism < 1 {
		return fmt.Errorf("config: parallelism must be >= 1, got %d", c.Parallelism)
	}
	switch c.RawStore.Backend {
	case "file", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown raw_store backend %q", c.RawStore.Backend)
	}
	if c.RawStore.Backend != "file" && c.RawStore.Bucket == "" {
		return fmt.Errorf("config: raw_store backend %q requires a bucket", c.RawStore.Backend)
	}
	return nil
}

// ResolveLens applies the lens selection precedence: explicit flag, LENS_ID
// environment variable, file default, built-in fallback.
func (c *Config) ResolveLens(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if c.EnvLens != "" {
		return c.EnvLens
	}
	if c.DefaultLens != "" {
		return c.DefaultLens
	}
	return FallbackLens
}

// SourceKey returns the API key configured for a source, or "".
func (c *Config) SourceKey(source string) string {
	return c.SourceKeys[strings.ToLower(source)]
}

// ParseLevel maps a LOG_LEVEL string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
