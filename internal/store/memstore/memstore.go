// Package memstore holds both stores in process memory. Used by the
// "memory" driver and as a test substitute.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
)

type key struct {
	id   string
	zoom int
}

type Store struct {
	mu        sync.RWMutex
	geometry  map[string]model.GeometryRecord
	overrides map[key]model.AttributeOverride
	now       func() time.Time
}

func New() *Store {
	return &Store{
		geometry:  map[string]model.GeometryRecord{},
		overrides: map[key]model.AttributeOverride{},
		now:       time.Now,
	}
}

// Seed is the on-disk format read by LoadSeedFile.
type Seed struct {
	Geometry  map[string]model.GeometryRecord `json:"geometry"`
	Overrides []struct {
		SpatialID  string          `json:"spatial_id"`
		ZoomLevel  int             `json:"zoom_level"`
		Attributes json.RawMessage `json:"attributes"`
	} `json:"overrides"`
}

func LoadSeedFile(path string) (*Store, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memstore seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(b, &seed); err != nil {
		return nil, fmt.Errorf("memstore seed %s: %w", path, err)
	}
	s := New()
	for id, rec := range seed.Geometry {
		s.PutGeometry(id, rec)
	}
	for _, o := range seed.Overrides {
		if err := s.UpsertOverride(context.Background(), o.SpatialID, o.ZoomLevel, o.Attributes); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) PutGeometry(spatialID string, rec model.GeometryRecord) {
	s.mu.Lock()
	s.geometry[spatialID] = rec
	s.mu.Unlock()
}

func (s *Store) DeleteGeometry(spatialID string) {
	s.mu.Lock()
	delete(s.geometry, spatialID)
	s.mu.Unlock()
}

func (s *Store) FetchGeometry(ctx context.Context, spatialID string) (*model.GeometryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.geometry[spatialID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) FetchOverride(ctx context.Context, spatialID string, zoom int) (*model.AttributeOverride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	o, ok := s.overrides[key{spatialID, zoom}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *Store) UpsertOverride(ctx context.Context, spatialID string, zoom int, attrs json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(attrs) {
		return fmt.Errorf("memstore upsert %q/%d: invalid JSON", spatialID, zoom)
	}
	doc := append(json.RawMessage(nil), attrs...)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	k := key{spatialID, zoom}
	o, ok := s.overrides[k]
	if !ok {
		o = model.AttributeOverride{SpatialID: spatialID, ZoomLevel: zoom, CreatedAt: now}
	}
	o.Attributes = doc
	o.UpdatedAt = now
	s.overrides[k] = o
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
