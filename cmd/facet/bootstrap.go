package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/facetdata/facet/pkg/config"
	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/connector/connectors"
	"github.com/facetdata/facet/pkg/extract"
	"github.com/facetdata/facet/pkg/interpret"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/llm"
	"github.com/facetdata/facet/pkg/observability"
	"github.com/facetdata/facet/pkg/pipeline"
	"github.com/facetdata/facet/pkg/rawstore"
	"github.com/facetdata/facet/pkg/store"
)

// litePath is where the embedded SQLite database lives when no
// DATABASE_URL is configured.
const litePath = "data/facet.db"

// errStore marks store bootstrap failures so exit codes can tell them
// apart from bad input.
var errStore = errors.New("store unavailable")

// services is everything the run subcommand needs, wired once per
// invocation and torn down by close.
type services struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *connector.Registry
	pipeline *pipeline.Pipeline

	obs *observability.Provider
	db  *sql.DB
}

// newServices composes the full engine from configuration. The store is
// opened only when needStore is set; lens-only subcommands skip it.
func newServices(ctx context.Context, cfg *config.Config, stderr io.Writer, needStore bool) (*services, error) {
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	obs := observability.Nop()
	if cfg.OTLPEndpoint != "" {
		oc := observability.DefaultConfig()
		oc.Enabled = true
		oc.OTLPEndpoint = cfg.OTLPEndpoint
		var err error
		obs, err = observability.New(ctx, oc)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
	}

	reg := connector.NewRegistry()
	if err := connectors.RegisterDefaults(reg, cfg.SourceKey); err != nil {
		return nil, err
	}

	lake, err := rawstore.New(ctx, cfg.RawStore)
	if err != nil {
		return nil, err
	}

	var limiter connector.RateLimiter = connector.NewLocalLimiter(reg.Spec)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("config: redis url: %w", err)
		}
		limiter = connector.NewRedisLimiter(redis.NewClient(opts), reg.Spec, logger)
	}

	adapter := connector.NewAdapter(reg, lake, limiter, connector.WithAdapterLogger(logger))

	var backend llm.StructuredExtractor = llm.Disabled{}
	if cfg.AnthropicAPIKey != "" {
		backend = llm.NewAnthropic(llm.AnthropicConfig{APIKey: cfg.AnthropicAPIKey, Logger: logger})
	}
	interp := interpret.New(interpret.WithLLM(backend), interpret.WithLogger(logger))

	lenses, err := lens.NewLoader(cfg.LensDir,
		lens.WithConnectorNames(reg.Names()),
		lens.WithSmoke(interpret.Smoke),
		lens.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var (
		db        *sql.DB
		st        store.Store
		stBackend string
	)
	if needStore {
		db, st, stBackend, err = openStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errStore, err)
		}
	}

	p, err := pipeline.New(pipeline.Deps{
		Lenses:       lenses,
		Registry:     reg,
		Adapter:      adapter,
		Extractors:   extract.NewRegistry(extract.WithStrictFields(cfg.StrictFields), extract.WithLogger(logger)),
		Interpreter:  interp,
		Store:        st,
		StoreBackend: stBackend,
		Obs:          obs,
		Logger:       logger,
		Workers:      cfg.Parallelism,
	})
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}

	return &services{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		pipeline: p,
		obs:      obs,
		db:       db,
	}, nil
}

func (s *services) close(ctx context.Context) {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.obs != nil {
		_ = s.obs.Shutdown(ctx)
	}
}

// openStore connects to Postgres when DATABASE_URL is set and otherwise
// falls back to an embedded SQLite database under data/.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, store.Store, string, error) {
	if cfg.DatabaseURL != "" {
		db, err := store.Connect(ctx, "postgres", cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, "", err
		}
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, "", err
		}
		return db, pg, "postgres", nil
	}

	logger.Info("DATABASE_URL not set, using embedded sqlite", "path", litePath)
	if err := os.MkdirAll(filepath.Dir(litePath), 0o750); err != nil {
		return nil, nil, "", err
	}
	db, err := store.Connect(ctx, "sqlite", litePath, logger)
	if err != nil {
		return nil, nil, "", err
	}
	lite, err := store.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, "", err
	}
	return db, lite, "sqlite", nil
}

// newLensLoader wires just enough for the lens subcommands: the default
// connector registry for reference checks and the interpreter smoke hook.
// No lake, no store, no pipeline.
func newLensLoader(dir string, cfg *config.Config, logger *slog.Logger) (*lens.Loader, error) {
	reg := connector.NewRegistry()
	if err := connectors.RegisterDefaults(reg, cfg.SourceKey); err != nil {
		return nil, err
	}
	return lens.NewLoader(dir,
		lens.WithConnectorNames(reg.Names()),
		lens.WithSmoke(interpret.Smoke),
		lens.WithLogger(logger))
}

func newLogger(cfg *config.Config, stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
}
