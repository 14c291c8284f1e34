// Package store persists pipeline output: raw ingestions, per-source
// extracted records, merged entities, and extraction failures. Entities are
// upserted by slug, so re-running the same request updates rows instead of
// duplicating them. Three implementations share one interface: Postgres for
// deployments, SQLite for single-file installs, memory for tests and dry
// runs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// ErrNotFound is returned when no entity carries the requested slug.
var ErrNotFound = errors.New("store: entity not found")

// FailedExtraction records one extraction failure for later lens work.
// RuleID is empty when the failure is not scoped to a single rule.
type FailedExtraction struct {
	RawIngestionID int64
	RuleID         string
	Kind           string
	Message        string
	OccurredAt     time.Time
}

// Store is the persistence surface the pipeline writes through.
type Store interface {
	// InsertRawIngestion persists one raw payload record and returns its row
	// id. A payload already present under the same sha256 returns the
	// existing id without writing.
	InsertRawIngestion(ctx context.Context, ing *rawstore.Ingestion) (int64, error)

	// InsertExtracted persists one per-source extracted record under its raw
	// ingestion row.
	InsertExtracted(ctx context.Context, rawID int64, rec *entity.Extracted) error

	// InsertFailedExtraction appends one failure record.
	InsertFailedExtraction(ctx context.Context, f FailedExtraction) error

	// UpsertEntity inserts the entity or, when the slug exists, replaces the
	// stored fields. A slug conflict is the expected idempotent path, never
	// an error.
	UpsertEntity(ctx context.Context, e *entity.Entity) error

	// GetEntityBySlug loads one merged entity, or ErrNotFound.
	GetEntityBySlug(ctx context.Context, slug string) (*entity.Entity, error)

	Close() error
}

const (
	connectAttempts    = 3
	connectBaseBackoff = time.Second
	pingTimeout        = 5 * time.Second
)

// Connect opens a database handle and verifies it with up to three ping
// attempts backed off exponentially. Connectivity failures here are fatal to
// the run; a database that never answers is a deployment problem, not a
// source problem.
func Connect(ctx context.Context, driver, dsn string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	backoff := connectBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return db, nil
		}
		logger.Warn("database unreachable",
			slog.String("driver", driver),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
		if attempt == connectAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	_ = db.Close()
	return nil, fmt.Errorf("store: connect %s after %d attempts: %w", driver, connectAttempts, lastErr)
}
