package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is the durable implementation over database/sql with the
// lib/pq driver. Dimension arrays map to TEXT[] columns so GIN indexes can
// serve containment queries.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the embedded DDL. Every statement is idempotent, so
// running it on every bootstrap is safe.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) InsertRawIngestion(ctx context.Context, ing *rawstore.Ingestion) (int64, error) {
	const sel = `SELECT id FROM raw_ingestions WHERE sha256 = $1`
	var id int64
	err := s.db.QueryRowContext(ctx, sel, ing.SHA256).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: look up ingestion: %w", err)
	}

	const ins = `
		INSERT INTO raw_ingestions (source, url, fetched_at, sha256, payload, ref)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sha256) DO NOTHING
		RETURNING id
	`
	err = s.db.QueryRowContext(ctx, ins,
		ing.Source, ing.URL, ing.FetchedAt.UTC(), ing.SHA256, ing.Payload, ing.Ref,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a write race; the row exists now.
		if err := s.db.QueryRowContext(ctx, sel, ing.SHA256).Scan(&id); err != nil {
			return 0, fmt.Errorf("store: look up ingestion after conflict: %w", err)
		}
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: insert ingestion: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) InsertExtracted(ctx context.Context, rawID int64, rec *entity.Extracted) error {
	prims, err := jsonArg(rec.Primitives)
	if err != nil {
		return fmt.Errorf("store: encode primitives: %w", err)
	}
	dims, err := jsonArg(rec.Dimensions)
	if err != nil {
		return fmt.Errorf("store: encode dimensions: %w", err)
	}
	mods, err := jsonArg(rec.Modules)
	if err != nil {
		return fmt.Errorf("store: encode modules: %w", err)
	}
	conf, err := jsonArg(rec.Confidence)
	if err != nil {
		return fmt.Errorf("store: encode confidence: %w", err)
	}

	const ins = `
		INSERT INTO extracted_entities (raw_ingestion_id, source, entity_class, primitives, dimensions, modules, confidence_by_field)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, ins, rawID, rec.Source, string(rec.Class), prims, dims, mods, conf); err != nil {
		return fmt.Errorf("store: insert extracted: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertFailedExtraction(ctx context.Context, f FailedExtraction) error {
	const ins = `
		INSERT INTO failed_extractions (raw_ingestion_id, rule_id, kind, message, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	rawID := sql.NullInt64{Int64: f.RawIngestionID, Valid: f.RawIngestionID != 0}
	ruleID := sql.NullString{String: f.RuleID, Valid: f.RuleID != ""}
	if _, err := s.db.ExecContext(ctx, ins, rawID, ruleID, f.Kind, f.Message, f.OccurredAt.UTC()); err != nil {
		return fmt.Errorf("store: insert failed extraction: %w", err)
	}
	return nil
}

const entityColumns = `slug, entity_class, entity_name, latitude, longitude,
	street_address, city, postcode, country, phone, email, website_url,
	canonical_activities, canonical_roles, canonical_place_types, canonical_access,
	modules, external_ids, confidence_by_field, source_info, discovered_by, updated_at`

func (s *PostgresStore) UpsertEntity(ctx context.Context, e *entity.Entity) error {
	mods, err := jsonArg(e.Modules)
	if err != nil {
		return fmt.Errorf("store: encode modules: %w", err)
	}
	ids, err := jsonArg(e.ExternalIDs)
	if err != nil {
		return fmt.Errorf("store: encode external ids: %w", err)
	}
	conf, err := jsonArg(e.Confidence)
	if err != nil {
		return fmt.Errorf("store: encode confidence: %w", err)
	}
	info, err := jsonArg(e.SourceInfo)
	if err != nil {
		return fmt.Errorf("store: encode source info: %w", err)
	}

	ins := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (slug) DO UPDATE SET
			entity_class = EXCLUDED.entity_class,
			entity_name = EXCLUDED.entity_name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			street_address = EXCLUDED.street_address,
			city = EXCLUDED.city,
			postcode = EXCLUDED.postcode,
			country = EXCLUDED.country,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			website_url = EXCLUDED.website_url,
			canonical_activities = EXCLUDED.canonical_activities,
			canonical_roles = EXCLUDED.canonical_roles,
			canonical_place_types = EXCLUDED.canonical_place_types,
			canonical_access = EXCLUDED.canonical_access,
			modules = EXCLUDED.modules,
			external_ids = EXCLUDED.external_ids,
			confidence_by_field = EXCLUDED.confidence_by_field,
			source_info = EXCLUDED.source_info,
			discovered_by = EXCLUDED.discovered_by,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, ins,
		e.Slug, string(e.Class), e.EntityName, e.Latitude, e.Longitude,
		e.StreetAddress, e.City, e.Postcode, e.Country, e.Phone, e.Email, e.WebsiteURL,
		textArray(e.Activities), textArray(e.Roles), textArray(e.PlaceTypes), textArray(e.Access),
		mods, ids, conf, info, textArray(e.DiscoveredBy), e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert entity %s: %w", e.Slug, err)
	}
	return nil
}

func (s *PostgresStore) GetEntityBySlug(ctx context.Context, slug string) (*entity.Entity, error) {
	sel := `SELECT ` + entityColumns + ` FROM entities WHERE slug = $1`
	row := s.db.QueryRowContext(ctx, sel, slug)

	var (
		e                               entity.Entity
		name, street, city, postcode   sql.NullString
		country, phone, email, website sql.NullString
		lat, lon                       sql.NullFloat64
		acts, roles, places, access    pq.StringArray
		discovered                     pq.StringArray
		mods, ids, conf, info          []byte
	)
	err := row.Scan(&e.Slug, &e.Class, &name, &lat, &lon,
		&street, &city, &postcode, &country, &phone, &email, &website,
		&acts, &roles, &places, &access,
		&mods, &ids, &conf, &info, &discovered, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load entity %s: %w", slug, err)
	}

	e.EntityName = name.String
	e.StreetAddress = street.String
	e.City = city.String
	e.Postcode = postcode.String
	e.Country = country.String
	e.Phone = phone.String
	e.Email = email.String
	e.WebsiteURL = website.String
	if lat.Valid {
		v := lat.Float64
		e.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		e.Longitude = &v
	}
	e.Activities = arrayField(acts)
	e.Roles = arrayField(roles)
	e.PlaceTypes = arrayField(places)
	e.Access = arrayField(access)
	e.DiscoveredBy = arrayField(discovered)

	if err := decodeJSONColumn(mods, &e.Modules); err != nil {
		return nil, fmt.Errorf("store: decode modules for %s: %w", slug, err)
	}
	if err := decodeJSONColumn(ids, &e.ExternalIDs); err != nil {
		return nil, fmt.Errorf("store: decode external ids for %s: %w", slug, err)
	}
	if err := decodeJSONColumn(conf, &e.Confidence); err != nil {
		return nil, fmt.Errorf("store: decode confidence for %s: %w", slug, err)
	}
	if err := decodeJSONColumn(info, &e.SourceInfo); err != nil {
		return nil, fmt.Errorf("store: decode source info for %s: %w", slug, err)
	}
	return &e, nil
}

// textArray maps a possibly nil slice to a TEXT[] parameter; the columns are
// NOT NULL so nil becomes the empty array.
func textArray(vals []string) any {
	if vals == nil {
		vals = []string{}
	}
	return pq.Array(vals)
}

func arrayField(a pq.StringArray) []string {
	if len(a) == 0 {
		return nil
	}
	return []string(a)
}

func decodeJSONColumn(b []byte, dst any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
