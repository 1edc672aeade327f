// Package postgres implements the geometry and override stores on
// PostgreSQL. The geometry table is read-only from this service; geometry is
// returned as GeoJSON through ST_AsGeoJSON.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/tracing"
)

const system = "postgresql"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open returns a pooled handle for dsn. It does not dial; call Ping.
func Open(dsn string, pool PoolConfig) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 20
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = pool.MaxOpenConns / 2
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// quoteTable validates a possibly schema-qualified table name and quotes
// each part.
func quoteTable(name string) (string, error) {
	if !tableNameRe.MatchString(name) {
		return "", fmt.Errorf("postgres: invalid table name %q", name)
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			return pq.QuoteIdentifier(name[:i]) + "." + pq.QuoteIdentifier(name[i+1:]), nil
		}
	}
	return pq.QuoteIdentifier(name), nil
}

type GeometryStore struct {
	db    *sql.DB
	query string
}

func NewGeometryStore(db *sql.DB, table string) (*GeometryStore, error) {
	t, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	return &GeometryStore{
		db: db,
		query: "SELECT ST_AsGeoJSON(geom), attributes, altitude FROM " + t +
			" WHERE spatial_id = $1 LIMIT 1",
	}, nil
}

func (s *GeometryStore) FetchGeometry(ctx context.Context, spatialID string) (rec *model.GeometryRecord, err error) {
	ctx, end := tracing.StartStoreSpan(ctx, "geometry", "select", system)
	defer func() { end(err) }()

	var (
		geom  sql.NullString
		attrs []byte
		alt   sql.NullFloat64
	)
	err = s.db.QueryRowContext(ctx, s.query, spatialID).Scan(&geom, &attrs, &alt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("geometry select %q: %w", spatialID, err)
	}

	rec = &model.GeometryRecord{}
	if geom.Valid {
		rec.Geometry = json.RawMessage(geom.String)
	}
	if attrs != nil {
		rec.Attributes = json.RawMessage(attrs)
	}
	if alt.Valid {
		v := alt.Float64
		rec.Altitude = &v
	}
	return rec, nil
}

func (s *GeometryStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type OverrideStore struct {
	db     *sql.DB
	table  string
	fetch  string
	upsert string
}

func NewOverrideStore(db *sql.DB, table string) (*OverrideStore, error) {
	t, err := quoteTable(table)
	if err != nil {
		return nil, err
	}
	return &OverrideStore{
		db:    db,
		table: t,
		fetch: "SELECT attributes, created_at, updated_at FROM " + t +
			" WHERE spatial_id = $1 AND zoom_level = $2",
		upsert: "INSERT INTO " + t + " (spatial_id, zoom_level, attributes, created_at, updated_at)" +
			" VALUES ($1, $2, $3::jsonb, now(), now())" +
			" ON CONFLICT (spatial_id, zoom_level) DO UPDATE" +
			" SET attributes = EXCLUDED.attributes, updated_at = now()",
	}, nil
}

// EnsureSchema creates the override table when it does not exist.
func (s *OverrideStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		spatial_id  TEXT        NOT NULL,
		zoom_level  INTEGER     NOT NULL,
		attributes  JSONB       NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (spatial_id, zoom_level)
	)`)
	if err != nil {
		return fmt.Errorf("override schema: %w", err)
	}
	return nil
}

func (s *OverrideStore) FetchOverride(ctx context.Context, spatialID string, zoom int) (ovr *model.AttributeOverride, err error) {
	ctx, end := tracing.StartStoreSpan(ctx, "overrides", "select", system)
	defer func() { end(err) }()

	var attrs []byte
	ovr = &model.AttributeOverride{SpatialID: spatialID, ZoomLevel: zoom}
	err = s.db.QueryRowContext(ctx, s.fetch, spatialID, zoom).Scan(&attrs, &ovr.CreatedAt, &ovr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("override select %q/%d: %w", spatialID, zoom, err)
	}
	ovr.Attributes = json.RawMessage(attrs)
	return ovr, nil
}

// UpsertOverride inserts or fully replaces the document in one transaction.
// Any failure rolls back, leaving the previous row untouched.
func (s *OverrideStore) UpsertOverride(ctx context.Context, spatialID string, zoom int, attrs json.RawMessage) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, "overrides", "upsert", system)
	defer func() { end(err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("override upsert begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.upsert, spatialID, zoom, string(attrs)); err != nil {
		return fmt.Errorf("override upsert %q/%d: %w", spatialID, zoom, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("override upsert commit: %w", err)
	}
	return nil
}

func (s *OverrideStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
