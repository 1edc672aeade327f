package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/spatial-attributes/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/errs"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/observability"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/validate"
	"github.com/mohammed-shakir/spatial-attributes/internal/logger"
	"github.com/mohammed-shakir/spatial-attributes/internal/mapper"
	"github.com/mohammed-shakir/spatial-attributes/internal/merge"
)

// Engine is the merge surface the API needs.
type Engine interface {
	Lookup(ctx context.Context, spatialID string, zoom int) (model.CombinedRecord, error)
	Upsert(ctx context.Context, spatialID string, zoom int, attrs json.RawMessage) error
	ViewportLookup(ctx context.Context, spatialIDs []string, zoom int) ([]model.CombinedRecord, merge.ViewportStats, error)
}

type Options struct {
	DefaultZoomLevel int
	ViewportMaxIDs   int
	DebugErrors      bool
}

type API struct {
	logger *slog.Logger
	engine Engine
	area   mapper.Interface
	opts   Options
}

// New builds the API. area may be nil, in which case viewport area
// requests are rejected.
func New(logger *slog.Logger, engine Engine, area mapper.Interface, opts Options) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultZoomLevel < 0 {
		opts.DefaultZoomLevel = model.DefaultZoomLevel
	}
	if opts.ViewportMaxIDs <= 0 {
		opts.ViewportMaxIDs = 1000
	}
	return &API{logger: logger, engine: engine, area: area, opts: opts}
}

// Register mounts the API routes and the JSON 404/405 handlers on r.
func (a *API) Register(r chi.Router) {
	r.Get("/", a.instrument("/", a.root))
	r.Get("/api/spatial/*", a.instrument("/api/spatial", a.getSpatial))
	r.Post("/api/attributes/*", a.instrument("/api/attributes", a.postAttributes))
	r.Post("/api/viewport", a.instrument("/api/viewport", a.postViewport))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func (a *API) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Spatial Data API",
		"endpoints": map[string]string{
			"get_spatial_data":  "GET /api/spatial/{spatial_id}?zoom_level=int",
			"update_attributes": "POST /api/attributes/{spatial_id}",
			"viewport":          "POST /api/viewport",
			"health":            "GET /healthz",
			"ready":             "GET /readyz",
			"metrics":           "GET /metrics",
		},
	})
}

type spatialResponse struct {
	SpatialID  string          `json:"spatial_id"`
	ZoomLevel  int             `json:"zoom_level"`
	Geometry   json.RawMessage `json:"geometry"`
	Attributes json.RawMessage `json:"attributes"`
	Altitude   *float64        `json:"altitude"`
}

func toResponse(rec model.CombinedRecord) spatialResponse {
	out := spatialResponse{
		SpatialID:  rec.SpatialID,
		ZoomLevel:  rec.ZoomLevel,
		Geometry:   rec.Geometry,
		Attributes: rec.Attributes,
		Altitude:   rec.Altitude,
	}
	if out.Geometry == nil {
		out.Geometry = json.RawMessage("null")
	}
	if out.Attributes == nil {
		out.Attributes = json.RawMessage("null")
	}
	return out
}

func (a *API) getSpatial(w http.ResponseWriter, r *http.Request) {
	id, ok := spatialIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid spatial ID format")
		return
	}
	zoom, err := validate.ZoomLevelParam(r.URL.Query().Get("zoom_level"), a.opts.DefaultZoomLevel)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Message(err))
		return
	}
	ctx := logger.WithTarget(r.Context(), id, zoom)

	rec, err := a.engine.Lookup(ctx, id, zoom)
	if err != nil {
		if errs.Classify(err) == errs.KindNotFound {
			writeError(w, http.StatusNotFound, "Spatial ID not found")
			return
		}
		a.internalError(ctx, w, "lookup failed", err)
		return
	}
	if !rec.HasGeometry() {
		writeError(w, http.StatusNotFound, "No geometry data found for this spatial ID")
		return
	}

	body, err := json.Marshal(toResponse(rec))
	if err != nil {
		a.internalError(ctx, w, "encode response", err)
		return
	}
	tag := keys.ETag(body)
	w.Header().Set("ETag", tag)
	w.Header().Set("Cache-Control", "no-cache")
	if keys.MatchesETag(r.Header.Get("If-None-Match"), tag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *API) postAttributes(w http.ResponseWriter, r *http.Request) {
	id, ok := spatialIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid spatial ID format")
		return
	}
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	in, err := validate.ParseAttributeWrite(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Message(err))
		return
	}
	ctx := logger.WithTarget(r.Context(), id, in.ZoomLevel)

	if _, err := a.engine.Lookup(ctx, id, in.ZoomLevel); err != nil {
		if errs.Classify(err) == errs.KindNotFound {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Spatial ID '%s' not found", id))
			return
		}
		a.internalError(ctx, w, "pre-write lookup failed", err)
		return
	}

	if err := a.engine.Upsert(ctx, id, in.ZoomLevel, in.Attributes); err != nil {
		if errs.Classify(err) == errs.KindInvalidArgument {
			writeError(w, http.StatusBadRequest, errs.Message(err))
			return
		}
		a.logger.ErrorContext(ctx, "attribute update failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to update attributes in database")
		return
	}

	updated := in.Attributes
	if rec, err := a.engine.Lookup(ctx, id, in.ZoomLevel); err == nil && rec.Attributes != nil {
		updated = rec.Attributes
	} else if err != nil {
		a.logger.WarnContext(ctx, "re-read after update failed; echoing submitted attributes", "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":            "Attributes updated successfully",
		"spatial_id":         id,
		"updated_attributes": updated,
	})
}

type viewportResponse struct {
	ZoomLevel int                 `json:"zoom_level"`
	Count     int                 `json:"count"`
	Items     []spatialResponse   `json:"items"`
	Stats     merge.ViewportStats `json:"stats"`
}

func (a *API) postViewport(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	req, err := validate.ParseViewport(body, a.opts.ViewportMaxIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, errs.Message(err))
		return
	}

	ids := req.SpatialIDs
	if req.HasArea() {
		ids, err = a.expandArea(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	recs, stats, err := a.engine.ViewportLookup(ctx, ids, req.ZoomLevel)
	if err != nil {
		a.internalError(ctx, w, "viewport lookup failed", err)
		return
	}

	items := make([]spatialResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toResponse(rec))
	}
	writeJSON(w, http.StatusOK, viewportResponse{
		ZoomLevel: req.ZoomLevel,
		Count:     len(items),
		Items:     items,
		Stats:     stats,
	})
}

func (a *API) expandArea(req validate.ViewportRequest) ([]string, error) {
	if a.area == nil {
		return nil, errors.New("area queries are not enabled")
	}
	var (
		cells model.Cells
		err   error
	)
	if req.BBox != nil {
		a.logger.Debug("expanding bbox", "bbox", req.BBox.String(), "h3_res", req.H3Res)
		cells, err = a.area.CellsForBBox(*req.BBox, req.H3Res)
	} else {
		cells, err = a.area.CellsForPolygon(*req.Polygon, req.H3Res)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid 'area' parameter: %w", err)
	}
	if len(cells) > a.opts.ViewportMaxIDs {
		return nil, fmt.Errorf("area expands to %d cells (max %d); use a coarser h3_res", len(cells), a.opts.ViewportMaxIDs)
	}
	return cells, nil
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, errs.Message(validate.ErrMalformed))
		return nil, false
	}
	return body, true
}

func (a *API) internalError(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	a.logger.ErrorContext(ctx, msg, "err", err)
	details := "Contact administrator for details"
	if a.opts.DebugErrors {
		details = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "An unexpected error occurred",
		"details": details,
	})
}

// spatialIDParam reads the wildcard tail, which may itself contain slashes.
// chi matches on RawPath when it is set, leaving the tail escaped; otherwise
// the tail is already decoded and must not be unescaped again.
func spatialIDParam(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		var err error
		if id, err = url.PathUnescape(id); err != nil {
			return "", false
		}
	}
	if validate.SpatialID(id) != nil {
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
