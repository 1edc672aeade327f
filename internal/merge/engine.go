// Package merge combines geometry-store and override-store records into one
// view per (spatial_id, zoom_level).
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/errs"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/validate"
	"github.com/mohammed-shakir/spatial-attributes/internal/tracing"
)

// GeometryStore is read-only. A nil record with a nil error means no row.
type GeometryStore interface {
	FetchGeometry(ctx context.Context, spatialID string) (*model.GeometryRecord, error)
}

// OverrideStore must make UpsertOverride atomic per (spatialID, zoom).
// A nil record with a nil error means no row.
type OverrideStore interface {
	FetchOverride(ctx context.Context, spatialID string, zoom int) (*model.AttributeOverride, error)
	UpsertOverride(ctx context.Context, spatialID string, zoom int, attrs json.RawMessage) error
}

// Notifier hears about committed upserts. It must not block.
type Notifier interface {
	OverrideUpserted(ctx context.Context, spatialID string, zoom int)
}

type Config struct {
	StoreTimeout    time.Duration
	WriteTimeout    time.Duration
	ViewportWorkers int
	// IncludeGeometryless keeps viewport items that have attributes but no
	// geometry. Off by default: viewports are render contexts.
	IncludeGeometryless bool
}

type Engine struct {
	logger   *slog.Logger
	geo      GeometryStore
	ovr      OverrideStore
	notifier Notifier
	cfg      Config
}

func New(logger *slog.Logger, geo GeometryStore, ovr OverrideStore, cfg Config) (*Engine, error) {
	if geo == nil || ovr == nil {
		return nil, errors.New("merge: both geometry and override stores are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * cfg.StoreTimeout
	}
	if cfg.ViewportWorkers <= 0 {
		cfg.ViewportWorkers = 8
	}
	return &Engine{logger: logger, geo: geo, ovr: ovr, cfg: cfg}, nil
}

func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Lookup fetches both stores concurrently and applies the precedence rule.
// A failing store degrades to "no row"; the call fails only when both stores
// fail, and reports NotFound when neither side has data.
func (e *Engine) Lookup(ctx context.Context, spatialID string, zoom int) (model.CombinedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "merge.lookup",
		attribute.String("spatial_id", spatialID),
		attribute.Int("zoom_level", zoom))
	defer span.End()

	var (
		wg     sync.WaitGroup
		geo    *model.GeometryRecord
		ovr    *model.AttributeOverride
		geoErr error
		ovrErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		geo, geoErr = bounded(ctx, e.cfg.StoreTimeout, "geometry", "fetch",
			func(ctx context.Context) (*model.GeometryRecord, error) {
				return e.geo.FetchGeometry(ctx, spatialID)
			})
	}()
	go func() {
		defer wg.Done()
		ovr, ovrErr = bounded(ctx, e.cfg.StoreTimeout, "overrides", "fetch",
			func(ctx context.Context) (*model.AttributeOverride, error) {
				return e.ovr.FetchOverride(ctx, spatialID, zoom)
			})
	}()
	wg.Wait()

	if geoErr != nil {
		geo = nil
		geoErr = errs.Unavailable("geometry store", geoErr)
		e.logger.WarnContext(ctx, "geometry store lookup failed; treating as no row",
			"spatial_id", spatialID, "err", geoErr)
	}
	if ovrErr != nil {
		ovr = nil
		ovrErr = errs.Unavailable("override store", ovrErr)
		e.logger.WarnContext(ctx, "override store lookup failed; treating as no row",
			"spatial_id", spatialID, "zoom_level", zoom, "err", ovrErr)
	}

	if geoErr != nil && ovrErr != nil {
		observability.IncLookup("failed")
		return model.CombinedRecord{}, fmt.Errorf("lookup %q: %w", spatialID, errors.Join(geoErr, ovrErr))
	}

	var overrideDoc json.RawMessage
	if ovr != nil {
		overrideDoc = ovr.Attributes
	}
	rec, found := Combine(spatialID, zoom, geo, overrideDoc)
	degraded := geoErr != nil || ovrErr != nil
	rec.Degraded = degraded

	if !found {
		observability.IncLookup("not_found")
		if degraded {
			return model.CombinedRecord{}, errors.Join(errs.ErrNotFound, geoErr, ovrErr)
		}
		return model.CombinedRecord{}, errs.ErrNotFound
	}

	if degraded {
		observability.IncLookup("degraded")
	} else {
		observability.IncLookup("found")
	}
	observability.IncAttributeSource(string(rec.Source))
	return rec, nil
}

// Combine applies the precedence rule to whatever each store returned. The
// override document wins whole when non-empty; otherwise the geometry row's
// coarse attributes are used; otherwise attributes are null. found is false
// only when neither store had a row.
func Combine(spatialID string, zoom int, geo *model.GeometryRecord, override json.RawMessage) (model.CombinedRecord, bool) {
	rec := model.CombinedRecord{
		SpatialID: spatialID,
		ZoomLevel: zoom,
		Source:    model.SourceNone,
	}
	hasOverride := !model.IsEmptyDocument(override)

	switch {
	case hasOverride:
		rec.Attributes = override
		rec.Source = model.SourceOverride
	case geo != nil:
		rec.Attributes = model.NormalizeNull(geo.Attributes)
		if rec.Attributes != nil {
			rec.Source = model.SourceGeometry
		}
	}

	if geo != nil {
		rec.Geometry = model.NormalizeNull(geo.Geometry)
		rec.Altitude = geo.Altitude
	}

	return rec, geo != nil || hasOverride
}

// Upsert writes attrs for (spatialID, zoom) as one atomic replace. The store
// call gets the write timeout through ctx so an abandoned write rolls back
// instead of committing after the caller gave up.
func (e *Engine) Upsert(ctx context.Context, spatialID string, zoom int, attrs json.RawMessage) error {
	if err := validate.SpatialID(spatialID); err != nil {
		return err
	}
	if zoom < 0 {
		return validate.ErrBadZoomLevel
	}
	doc, err := validate.Attributes(attrs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	defer cancel()

	start := time.Now()
	err = e.ovr.UpsertOverride(ctx, spatialID, zoom, doc)
	observability.ObserveStoreOp("overrides", "upsert", err, time.Since(start).Seconds())
	observability.IncUpsert(err)
	if err != nil {
		e.logger.ErrorContext(ctx, "override upsert failed",
			"spatial_id", spatialID, "zoom_level", zoom, "err", err)
		return errs.Unavailable("override store", err)
	}

	if e.notifier != nil {
		e.notifier.OverrideUpserted(ctx, spatialID, zoom)
	}
	return nil
}

// bounded runs fn under a timeout and stops waiting once it expires, even if
// the store ignores ctx.
func bounded[T any](ctx context.Context, d time.Duration, store, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		observability.ObserveStoreOp(store, op, r.err, time.Since(start).Seconds())
		return r.v, r.err
	case <-ctx.Done():
		err := fmt.Errorf("%s %s: %w", store, op, ctx.Err())
		observability.ObserveStoreOp(store, op, err, time.Since(start).Seconds())
		var zero T
		return zero, err
	}
}
