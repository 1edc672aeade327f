// Package sqlite keeps both the geometry table and the override table in one
// embedded SQLite file. It is meant for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/tracing"
)

const (
	system   = "sqlite"
	tsLayout = time.RFC3339Nano
)

type Config struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  time.Duration
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database file with WAL journaling and a busy
// timeout applied to every pooled connection, then creates the tables.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + cfg.Path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	s := &Store{db: db, now: time.Now}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bldg_spatial_ids (
			spatial_id TEXT PRIMARY KEY,
			geom       TEXT,
			attributes TEXT,
			altitude   REAL
		)`,
		`CREATE TABLE IF NOT EXISTS spatial_attributes (
			spatial_id TEXT    NOT NULL,
			zoom_level INTEGER NOT NULL,
			attributes TEXT    NOT NULL,
			created_at TEXT    NOT NULL,
			updated_at TEXT    NOT NULL,
			PRIMARY KEY (spatial_id, zoom_level)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) FetchGeometry(ctx context.Context, spatialID string) (rec *model.GeometryRecord, err error) {
	ctx, end := tracing.StartStoreSpan(ctx, "geometry", "select", system)
	defer func() { end(err) }()

	var (
		geom, attrs sql.NullString
		alt         sql.NullFloat64
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT geom, attributes, altitude FROM bldg_spatial_ids WHERE spatial_id = ?`,
		spatialID).Scan(&geom, &attrs, &alt)
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
	if attrs.Valid {
		rec.Attributes = json.RawMessage(attrs.String)
	}
	if alt.Valid {
		v := alt.Float64
		rec.Altitude = &v
	}
	return rec, nil
}

// PutGeometry loads a geometry row. The service never calls it; it exists
// for seeding local databases.
func (s *Store) PutGeometry(ctx context.Context, spatialID string, rec model.GeometryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bldg_spatial_ids (spatial_id, geom, attributes, altitude) VALUES (?, ?, ?, ?)
		 ON CONFLICT (spatial_id) DO UPDATE SET geom = excluded.geom, attributes = excluded.attributes, altitude = excluded.altitude`,
		spatialID, nullText(rec.Geometry), nullText(rec.Attributes), rec.Altitude)
	if err != nil {
		return fmt.Errorf("geometry put %q: %w", spatialID, err)
	}
	return nil
}

func (s *Store) FetchOverride(ctx context.Context, spatialID string, zoom int) (ovr *model.AttributeOverride, err error) {
	ctx, end := tracing.StartStoreSpan(ctx, "overrides", "select", system)
	defer func() { end(err) }()

	var attrs, created, updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT attributes, created_at, updated_at FROM spatial_attributes WHERE spatial_id = ? AND zoom_level = ?`,
		spatialID, zoom).Scan(&attrs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("override select %q/%d: %w", spatialID, zoom, err)
	}

	ovr = &model.AttributeOverride{
		SpatialID:  spatialID,
		ZoomLevel:  zoom,
		Attributes: json.RawMessage(attrs),
	}
	if ovr.CreatedAt, err = time.Parse(tsLayout, created); err != nil {
		return nil, fmt.Errorf("override created_at: %w", err)
	}
	if ovr.UpdatedAt, err = time.Parse(tsLayout, updated); err != nil {
		return nil, fmt.Errorf("override updated_at: %w", err)
	}
	return ovr, nil
}

func (s *Store) UpsertOverride(ctx context.Context, spatialID string, zoom int, attrs json.RawMessage) (err error) {
	ctx, end := tracing.StartStoreSpan(ctx, "overrides", "upsert", system)
	defer func() { end(err) }()

	if !json.Valid(attrs) {
		return errors.New("override upsert: attributes are not valid JSON")
	}
	now := s.now().UTC().Format(tsLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("override upsert begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO spatial_attributes (spatial_id, zoom_level, attributes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (spatial_id, zoom_level) DO UPDATE
		 SET attributes = excluded.attributes, updated_at = excluded.updated_at`,
		spatialID, zoom, string(attrs), now, now)
	if err != nil {
		return fmt.Errorf("override upsert %q/%d: %w", spatialID, zoom, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("override upsert commit: %w", err)
	}
	return nil
}

func nullText(raw json.RawMessage) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
