package merge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/errs"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
)

type ViewportStats struct {
	Requested  int `json:"requested"`
	Returned   int `json:"returned"`
	NotFound   int `json:"not_found"`
	NoGeometry int `json:"no_geometry"`
	Failed     int `json:"failed"`
}

type slot struct {
	rec model.CombinedRecord
	err error
}

// ViewportLookup runs Lookup for every id and returns the usable records in
// input order. Duplicate ids are looked up once and repeated in the output.
// Per-item failures only drop that item; the batch fails only when ctx ends.
func (e *Engine) ViewportLookup(ctx context.Context, spatialIDs []string, zoom int) ([]model.CombinedRecord, ViewportStats, error) {
	start := time.Now()
	stats := ViewportStats{Requested: len(spatialIDs)}
	if len(spatialIDs) == 0 {
		return []model.CombinedRecord{}, stats, nil
	}

	uniq := make([]string, 0, len(spatialIDs))
	pos := make(map[string]int, len(spatialIDs))
	for _, id := range spatialIDs {
		if _, ok := pos[id]; ok {
			continue
		}
		pos[id] = len(uniq)
		uniq = append(uniq, id)
	}

	slots := make([]slot, len(uniq))
	jobs := make(chan int)

	workerN := min(e.cfg.ViewportWorkers, len(uniq))
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for i := range jobs {
				rec, err := e.Lookup(ctx, uniq[i], zoom)
				slots[i] = slot{rec: rec, err: err}
			}
		}()
	}

	canceled := false
feed:
	for i := range uniq {
		select {
		case jobs <- i:
		case <-ctx.Done():
			canceled = true
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if canceled || ctx.Err() != nil {
		return nil, stats, fmt.Errorf("viewport lookup: %w", ctx.Err())
	}

	out := make([]model.CombinedRecord, 0, len(spatialIDs))
	for _, id := range spatialIDs {
		s := slots[pos[id]]
		switch {
		case s.err != nil && errs.Classify(s.err) == errs.KindNotFound:
			stats.NotFound++
		case s.err != nil:
			stats.Failed++
			e.logger.WarnContext(ctx, "viewport item failed; excluded",
				"spatial_id", id, "zoom_level", zoom, "err", s.err)
		case !s.rec.HasGeometry() && !e.cfg.IncludeGeometryless:
			stats.NoGeometry++
		default:
			out = append(out, s.rec)
		}
	}
	stats.Returned = len(out)

	observability.ObserveViewport(stats.Requested, stats.Returned)
	e.logger.DebugContext(ctx, "viewport lookup",
		"zoom_level", zoom,
		"requested", stats.Requested,
		"unique", len(uniq),
		"returned", stats.Returned,
		"not_found", stats.NotFound,
		"no_geometry", stats.NoGeometry,
		"failed", stats.Failed,
		"dur", time.Since(start).String())
	return out, stats, nil
}
