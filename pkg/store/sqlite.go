package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// SQLiteStore persists through the pure-Go sqlite driver for single-file
// installs. Arrays and maps are stored as JSON text, timestamps as RFC 3339
// strings.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS raw_ingestions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	url TEXT,
	fetched_at TEXT NOT NULL,
	sha256 TEXT NOT NULL UNIQUE,
	payload BLOB,
	ref TEXT
);
CREATE TABLE IF NOT EXISTS extracted_entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	raw_ingestion_id INTEGER NOT NULL REFERENCES raw_ingestions(id),
	source TEXT NOT NULL,
	entity_class TEXT NOT NULL,
	primitives TEXT NOT NULL,
	dimensions TEXT NOT NULL,
	modules TEXT,
	confidence_by_field TEXT
);
CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	entity_class TEXT NOT NULL,
	entity_name TEXT,
	latitude REAL,
	longitude REAL,
	street_address TEXT,
	city TEXT,
	postcode TEXT,
	country TEXT,
	phone TEXT,
	email TEXT,
	website_url TEXT,
	canonical_activities TEXT NOT NULL DEFAULT '[]',
	canonical_roles TEXT NOT NULL DEFAULT '[]',
	canonical_place_types TEXT NOT NULL DEFAULT '[]',
	canonical_access TEXT NOT NULL DEFAULT '[]',
	modules TEXT,
	external_ids TEXT,
	confidence_by_field TEXT,
	source_info TEXT,
	discovered_by TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS failed_extractions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	raw_ingestion_id INTEGER REFERENCES raw_ingestions(id),
	rule_id TEXT,
	kind TEXT NOT NULL,
	message TEXT NOT NULL,
	occurred_at TEXT NOT NULL
);
`

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) InsertRawIngestion(ctx context.Context, ing *rawstore.Ingestion) (int64, error) {
	const sel = `SELECT id FROM raw_ingestions WHERE sha256 = ?`
	var id int64
	err := s.db.QueryRowContext(ctx, sel, ing.SHA256).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: look up ingestion: %w", err)
	}

	const ins = `
		INSERT OR IGNORE INTO raw_ingestions (source, url, fetched_at, sha256, payload, ref)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, ins,
		ing.Source, ing.URL, ing.FetchedAt.UTC().Format(time.RFC3339Nano), ing.SHA256, ing.Payload, ing.Ref)
	if err != nil {
		return 0, fmt.Errorf("store: insert ingestion: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if err := s.db.QueryRowContext(ctx, sel, ing.SHA256).Scan(&id); err != nil {
			return 0, fmt.Errorf("store: look up ingestion after conflict: %w", err)
		}
		return id, nil
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: ingestion row id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) InsertExtracted(ctx context.Context, rawID int64, rec *entity.Extracted) error {
	prims, err := jsonTextArg(rec.Primitives)
	if err != nil {
		return fmt.Errorf("store: encode primitives: %w", err)
	}
	dims, err := jsonTextArg(rec.Dimensions)
	if err != nil {
		return fmt.Errorf("store: encode dimensions: %w", err)
	}
	mods, err := jsonTextArg(rec.Modules)
	if err != nil {
		return fmt.Errorf("store: encode modules: %w", err)
	}
	conf, err := jsonTextArg(rec.Confidence)
	if err != nil {
		return fmt.Errorf("store: encode confidence: %w", err)
	}

	const ins = `
		INSERT INTO extracted_entities (raw_ingestion_id, source, entity_class, primitives, dimensions, modules, confidence_by_field)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, ins, rawID, rec.Source, string(rec.Class), prims, dims, mods, conf); err != nil {
		return fmt.Errorf("store: insert extracted: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertFailedExtraction(ctx context.Context, f FailedExtraction) error {
	const ins = `
		INSERT INTO failed_extractions (raw_ingestion_id, rule_id, kind, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`
	rawID := sql.NullInt64{Int64: f.RawIngestionID, Valid: f.RawIngestionID != 0}
	ruleID := sql.NullString{String: f.RuleID, Valid: f.RuleID != ""}
	occurred := f.OccurredAt.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, ins, rawID, ruleID, f.Kind, f.Message, occurred); err != nil {
		return fmt.Errorf("store: insert failed extraction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, e *entity.Entity) error {
	acts, err := jsonList(e.Activities)
	if err != nil {
		return fmt.Errorf("store: encode activities: %w", err)
	}
	roles, err := jsonList(e.Roles)
	if err != nil {
		return fmt.Errorf("store: encode roles: %w", err)
	}
	places, err := jsonList(e.PlaceTypes)
	if err != nil {
		return fmt.Errorf("store: encode place types: %w", err)
	}
	access, err := jsonList(e.Access)
	if err != nil {
		return fmt.Errorf("store: encode access: %w", err)
	}
	discovered, err := jsonList(e.DiscoveredBy)
	if err != nil {
		return fmt.Errorf("store: encode discovered_by: %w", err)
	}
	mods, err := jsonTextArg(e.Modules)
	if err != nil {
		return fmt.Errorf("store: encode modules: %w", err)
	}
	ids, err := jsonTextArg(e.ExternalIDs)
	if err != nil {
		return fmt.Errorf("store: encode external ids: %w", err)
	}
	conf, err := jsonTextArg(e.Confidence)
	if err != nil {
		return fmt.Errorf("store: encode confidence: %w", err)
	}
	info, err := jsonTextArg(e.SourceInfo)
	if err != nil {
		return fmt.Errorf("store: encode source info: %w", err)
	}

	ins := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slug) DO UPDATE SET
			entity_class = excluded.entity_class,
			entity_name = excluded.entity_name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			street_address = excluded.street_address,
			city = excluded.city,
			postcode = excluded.postcode,
			country = excluded.country,
			phone = excluded.phone,
			email = excluded.email,
			website_url = excluded.website_url,
			canonical_activities = excluded.canonical_activities,
			canonical_roles = excluded.canonical_roles,
			canonical_place_types = excluded.canonical_place_types,
			canonical_access = excluded.canonical_access,
			modules = excluded.modules,
			external_ids = excluded.external_ids,
			confidence_by_field = excluded.confidence_by_field,
			source_info = excluded.source_info,
			discovered_by = excluded.discovered_by,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, ins,
		e.Slug, string(e.Class), e.EntityName, e.Latitude, e.Longitude,
		e.StreetAddress, e.City, e.Postcode, e.Country, e.Phone, e.Email, e.WebsiteURL,
		acts, roles, places, access,
		mods, ids, conf, info, discovered, e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: upsert entity %s: %w", e.Slug, err)
	}
	return nil
}

func (s *SQLiteStore) GetEntityBySlug(ctx context.Context, slug string) (*entity.Entity, error) {
	sel := `SELECT ` + entityColumns + ` FROM entities WHERE slug = ?`
	row := s.db.QueryRowContext(ctx, sel, slug)

	var (
		e                               entity.Entity
		name, street, city, postcode   sql.NullString
		country, phone, email, website sql.NullString
		lat, lon                       sql.NullFloat64
		acts, roles, places, access    string
		discovered, updatedAt          string
		mods, ids, conf, info          sql.NullString
	)
	err := row.Scan(&e.Slug, &e.Class, &name, &lat, &lon,
		&street, &city, &postcode, &country, &phone, &email, &website,
		&acts, &roles, &places, &access,
		&mods, &ids, &conf, &info, &discovered, &updatedAt)
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

	if e.Activities, err = jsonListField(acts); err != nil {
		return nil, fmt.Errorf("store: decode activities for %s: %w", slug, err)
	}
	if e.Roles, err = jsonListField(roles); err != nil {
		return nil, fmt.Errorf("store: decode roles for %s: %w", slug, err)
	}
	if e.PlaceTypes, err = jsonListField(places); err != nil {
		return nil, fmt.Errorf("store: decode place types for %s: %w", slug, err)
	}
	if e.Access, err = jsonListField(access); err != nil {
		return nil, fmt.Errorf("store: decode access for %s: %w", slug, err)
	}
	if e.DiscoveredBy, err = jsonListField(discovered); err != nil {
		return nil, fmt.Errorf("store: decode discovered_by for %s: %w", slug, err)
	}

	if err := decodeJSONText(mods, &e.Modules); err != nil {
		return nil, fmt.Errorf("store: decode modules for %s: %w", slug, err)
	}
	if err := decodeJSONText(ids, &e.ExternalIDs); err != nil {
		return nil, fmt.Errorf("store: decode external ids for %s: %w", slug, err)
	}
	if err := decodeJSONText(conf, &e.Confidence); err != nil {
		return nil, fmt.Errorf("store: decode confidence for %s: %w", slug, err)
	}
	if err := decodeJSONText(info, &e.SourceInfo); err != nil {
		return nil, fmt.Errorf("store: decode source info for %s: %w", slug, err)
	}

	e.UpdatedAt = parseStoredTime(updatedAt)
	return &e, nil
}

func decodeJSONText(s sql.NullString, dst any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
