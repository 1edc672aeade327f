// Package h3mapper expands viewport areas into H3 cell ids, which are used
// as spatial ids for viewport lookups.
package h3mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
)

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func (m *Mapper) CellsForBBox(bb model.BBox, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	// v4 wants degrees
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	return fill([]h3.GeoPolygon{{GeoLoop: outer}}, res)
}

// CellsForPolygon accepts a GeoJSON Polygon or MultiPolygon. The result is
// the sorted union of cells covering every member polygon.
func (m *Mapper) CellsForPolygon(poly model.Polygon, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	members, err := parseGeoJSON(poly.GeoJSON)
	if err != nil {
		return nil, err
	}
	polys := make([]h3.GeoPolygon, 0, len(members))
	for pi, rings := range members {
		gp, err := toPolygon(rings)
		if err != nil {
			if len(members) > 1 {
				return nil, fmt.Errorf("polygon %d: %w", pi, err)
			}
			return nil, err
		}
		polys = append(polys, gp)
	}
	return fill(polys, res)
}

// parseGeoJSON normalizes both geometry types to [polygon][ring][vertex][lon,lat].
func parseGeoJSON(raw string) ([][][][]float64, error) {
	var g struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}
	switch g.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("parse polygon coords: %w", err)
		}
		if len(rings) == 0 {
			return nil, errors.New("empty polygon")
		}
		return [][][][]float64{rings}, nil
	case "MultiPolygon":
		var polys [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &polys); err != nil {
			return nil, fmt.Errorf("parse multipolygon coords: %w", err)
		}
		if len(polys) == 0 {
			return nil, errors.New("empty multipolygon")
		}
		return polys, nil
	default:
		return nil, fmt.Errorf("unsupported GeoJSON type: %s", g.Type)
	}
}

func toPolygon(rings [][][]float64) (h3.GeoPolygon, error) {
	if len(rings) == 0 {
		return h3.GeoPolygon{}, errors.New("polygon is empty")
	}
	outer := toLoop(rings[0])
	if len(outer) < 3 {
		return h3.GeoPolygon{}, errors.New("outer ring has < 3 distinct vertices")
	}
	gp := h3.GeoPolygon{GeoLoop: outer}
	for i, ring := range rings[1:] {
		hole := toLoop(ring)
		if len(hole) < 3 {
			return h3.GeoPolygon{}, fmt.Errorf("hole %d has < 3 distinct vertices", i)
		}
		gp.Holes = append(gp.Holes, hole)
	}
	return gp, nil
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// toLoop converts [[lon,lat], ...] to a loop, dropping the closing vertex.
func toLoop(coords [][]float64) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(coords))
	for _, xy := range coords {
		if len(xy) < 2 {
			continue
		}
		loop = append(loop, h3.LatLng{Lat: xy[1], Lng: xy[0]})
	}
	if n := len(loop); n >= 2 && loop[0] == loop[n-1] {
		loop = loop[:n-1]
	}
	return loop
}

func fill(polys []h3.GeoPolygon, res int) (model.Cells, error) {
	seen := make(map[h3.Cell]struct{})
	for _, p := range polys {
		cells, err := h3.PolygonToCells(p, res)
		if err != nil {
			return nil, fmt.Errorf("h3 polyfill: %w", err)
		}
		for _, c := range cells {
			seen[c] = struct{}{}
		}
	}
	out := make(model.Cells, 0, len(seen))
	for c := range seen {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out, nil
}
