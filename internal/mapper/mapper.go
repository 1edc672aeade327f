// Package mapper expands viewport areas into spatial ids.
package mapper

import (
	"github.com/mohammed-shakir/spatial-attributes/internal/core/model"
)

// Interface returns sorted, unique ids covering the area at resolution res.
type Interface interface {
	CellsForBBox(bb model.BBox, res int) (model.Cells, error)
	CellsForPolygon(poly model.Polygon, res int) (model.Cells, error)
}
