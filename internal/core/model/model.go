// Package model defines core domain types shared across the service.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultZoomLevel is used by reads that do not name a zoom level.
const DefaultZoomLevel = 25

type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
	SRID   string
}

// String renders x1,y1,x2,y2,srid for logs.
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.X1, b.Y1, b.X2, b.Y2, b.SRID)
}

type Polygon struct {
	GeoJSON string
}

type Cells []string

// GeometryRecord is one row of the geometry store. Geometry and Attributes
// are opaque JSON payloads; nil means the column was NULL.
type GeometryRecord struct {
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	Altitude   *float64        `json:"altitude,omitempty"`
}

// AttributeOverride is one row of the override store, unique per
// (SpatialID, ZoomLevel).
type AttributeOverride struct {
	SpatialID  string          `json:"spatial_id"`
	ZoomLevel  int             `json:"zoom_level"`
	Attributes json.RawMessage `json:"attributes"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type AttributeSource string

const (
	SourceOverride AttributeSource = "override"
	SourceGeometry AttributeSource = "geometry"
	SourceNone     AttributeSource = "none"
)

// CombinedRecord is the merged view built per request and never persisted.
type CombinedRecord struct {
	SpatialID  string          `json:"spatial_id"`
	ZoomLevel  int             `json:"zoom_level"`
	Geometry   json.RawMessage `json:"geometry"`
	Attributes json.RawMessage `json:"attributes"`
	Altitude   *float64        `json:"altitude"`

	Source   AttributeSource `json:"-"`
	Degraded bool            `json:"-"`
}

func (c CombinedRecord) HasGeometry() bool {
	return !IsEmptyDocument(c.Geometry)
}

// IsEmptyDocument reports whether raw carries no usable content: missing,
// JSON null, {}, [] or "".
func IsEmptyDocument(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return true
	}
	switch string(b) {
	case "null", `""`:
		return true
	}
	switch b[0] {
	case '{', '[':
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return false
		}
		switch t := v.(type) {
		case map[string]any:
			return len(t) == 0
		case []any:
			return len(t) == 0
		}
	}
	return false
}

// NormalizeNull maps a missing or JSON null payload to nil.
func NormalizeNull(raw json.RawMessage) json.RawMessage {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return raw
}
