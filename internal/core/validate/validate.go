// Package validate checks request input before any store is touched.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/errs"
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
)

var (
	ErrBadSpatialID = errs.Invalid("bad spatial id")
	ErrBadZoomLevel = errs.Invalid("invalid zoom_level")
	ErrMalformed    = errs.Invalid("malformed body")

	errMissingZoom  = errs.Invalid("missing required 'zoom_level' parameter")
	errInvalidZoom  = errs.Invalid("invalid 'zoom_level' parameter: must be a non-negative integer")
	errInvalidAttrs = errs.Invalid("missing or invalid 'attributes' parameter")
)

var spatialIDPattern = regexp.MustCompile(`^[A-Za-z0-9_/.-]+$`)

// SpatialID enforces the identifier character set. Comparison elsewhere is
// exact-string, so nothing is trimmed or normalized here.
func SpatialID(id string) error {
	if !spatialIDPattern.MatchString(id) {
		return ErrBadSpatialID
	}
	return nil
}

// ZoomLevelParam parses an optional query parameter, falling back to def.
func ZoomLevelParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	// digits only: ParseUint refuses both signs
	n, err := strconv.ParseUint(raw, 10, 31)
	if err != nil {
		return 0, ErrBadZoomLevel
	}
	return int(n), nil
}

type AttributeWrite struct {
	ZoomLevel  int
	Attributes json.RawMessage
}

// ParseAttributeWrite validates a POST /api/attributes body.
func ParseAttributeWrite(body []byte) (AttributeWrite, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return AttributeWrite{}, err
	}
	zoom, err := zoomField(fields)
	if err != nil {
		return AttributeWrite{}, err
	}
	attrs, err := Attributes(fields["attributes"])
	if err != nil {
		return AttributeWrite{}, err
	}
	return AttributeWrite{ZoomLevel: zoom, Attributes: attrs}, nil
}

// Attributes accepts only a non-null JSON object with at least one key.
func Attributes(raw json.RawMessage) (json.RawMessage, error) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || b[0] != '{' {
		return nil, errInvalidAttrs
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil || len(obj) == 0 {
		return nil, errInvalidAttrs
	}
	return json.RawMessage(b), nil
}

type ViewportRequest struct {
	ZoomLevel  int
	SpatialIDs []string
	BBox       *model.BBox
	Polygon    *model.Polygon
	H3Res      int
}

func (v ViewportRequest) HasArea() bool { return v.BBox != nil || v.Polygon != nil }

type viewportArea struct {
	BBox    []float64       `json:"bbox"`
	Polygon json.RawMessage `json:"polygon"`
}

// ParseViewport validates a POST /api/viewport body. Exactly one of
// spatial_ids or area must be given.
func ParseViewport(body []byte, maxIDs int) (ViewportRequest, error) {
	fields, err := decodeObject(body)
	if err != nil {
		return ViewportRequest{}, err
	}
	zoom, err := zoomField(fields)
	if err != nil {
		return ViewportRequest{}, err
	}
	out := ViewportRequest{ZoomLevel: zoom}

	rawIDs, hasIDs := present(fields, "spatial_ids")
	rawArea, hasArea := present(fields, "area")
	if hasIDs == hasArea {
		return ViewportRequest{}, errs.Invalid("exactly one of 'spatial_ids' or 'area' is required")
	}

	if hasIDs {
		var ids []string
		if err := json.Unmarshal(rawIDs, &ids); err != nil {
			return ViewportRequest{}, errs.Invalid("invalid 'spatial_ids' parameter: expected an array of strings")
		}
		if len(ids) == 0 {
			return ViewportRequest{}, errs.Invalid("invalid 'spatial_ids' parameter: must not be empty")
		}
		if maxIDs > 0 && len(ids) > maxIDs {
			return ViewportRequest{}, errs.Invalidf("too many spatial ids: %d (max %d)", len(ids), maxIDs)
		}
		for i, id := range ids {
			if SpatialID(id) != nil {
				return ViewportRequest{}, errs.Invalidf("bad spatial id at index %d", i)
			}
		}
		out.SpatialIDs = ids
		return out, nil
	}

	var area viewportArea
	if err := json.Unmarshal(rawArea, &area); err != nil {
		return ViewportRequest{}, errs.Invalid("invalid 'area' parameter")
	}
	hasBBox := len(area.BBox) > 0
	hasPoly := len(bytes.TrimSpace(area.Polygon)) > 0 && string(bytes.TrimSpace(area.Polygon)) != "null"
	if hasBBox == hasPoly {
		return ViewportRequest{}, errs.Invalid("invalid 'area' parameter: exactly one of bbox or polygon is required")
	}
	if hasBBox {
		bb, err := bboxFromSlice(area.BBox)
		if err != nil {
			return ViewportRequest{}, errs.Invalidf("invalid bbox: %v", err)
		}
		out.BBox = &bb
	} else {
		p, err := polygon(area.Polygon)
		if err != nil {
			return ViewportRequest{}, errs.Invalidf("invalid polygon: %v", err)
		}
		out.Polygon = &p
	}

	rawRes, ok := present(fields, "h3_res")
	if !ok {
		return ViewportRequest{}, errs.Invalid("missing required 'h3_res' parameter")
	}
	res, err := strconv.Atoi(string(bytes.TrimSpace(rawRes)))
	if err != nil || res < 0 || res > 15 {
		return ViewportRequest{}, errs.Invalid("invalid 'h3_res' parameter: must be an integer in 0..15")
	}
	out.H3Res = res
	return out, nil
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	b := bytes.TrimSpace(body)
	if len(b) == 0 || b[0] != '{' {
		return nil, ErrMalformed
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, ErrMalformed
	}
	return fields, nil
}

// present treats an explicit JSON null the same as a missing key.
func present(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	raw, ok := fields[key]
	if !ok {
		return nil, false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false
	}
	return raw, true
}

func zoomField(fields map[string]json.RawMessage) (int, error) {
	raw, ok := present(fields, "zoom_level")
	if !ok {
		return 0, errMissingZoom
	}
	// strconv rejects quoted strings, fractions and exponents alike
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, errInvalidZoom
	}
	return n, nil
}

func bboxFromSlice(v []float64) (model.BBox, error) {
	if len(v) != 4 {
		return model.BBox{}, fmt.Errorf("expected 4 values [x1,y1,x2,y2], got %d", len(v))
	}
	xMin, yMin, xMax, yMax := v[0], v[1], v[2], v[3]
	if !(xMin >= -180 && xMin <= 180 && xMax >= -180 && xMax <= 180) {
		return model.BBox{}, fmt.Errorf("longitude must be in [-180,180]")
	}
	if !(yMin >= -90 && yMin <= 90 && yMax >= -90 && yMax <= 90) {
		return model.BBox{}, fmt.Errorf("latitude must be in [-90,90]")
	}
	if xMax <= xMin || yMax <= yMin {
		return model.BBox{}, fmt.Errorf("coordinates must satisfy x2>x1 and y2>y1")
	}
	return model.BBox{X1: xMin, Y1: yMin, X2: xMax, Y2: yMax, SRID: "EPSG:4326"}, nil
}

func polygon(raw json.RawMessage) (model.Polygon, error) {
	var tmp struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return model.Polygon{}, fmt.Errorf("parse json: %w", err)
	}
	switch t := strings.TrimSpace(tmp.Type); t {
	case "Polygon", "MultiPolygon":
		return model.Polygon{GeoJSON: string(raw)}, nil
	default:
		return model.Polygon{}, fmt.Errorf(`unsupported GeoJSON "type": %q (must be Polygon or MultiPolygon)`, t)
	}
}
