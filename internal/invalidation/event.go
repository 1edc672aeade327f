// Package invalidation defines the geometry change events published when
// rows of the geometry store are inserted, updated or deleted upstream.
package invalidation

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammed-shakir/spatial-attributes/internal/core/validate"
)

const MaxIDsPerEvent = 10000

type Event struct {
	// Version increases monotonically per spatial id at the producer.
	Version    uint64    `json:"version"`
	Op         string    `json:"op"`
	SpatialIDs []string  `json:"spatial_ids"`
	TS         time.Time `json:"ts"`
	Source     string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version == 0 {
		return errors.New("version must be > 0")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("op must be insert|update|delete, got %q", e.Op)
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	if len(e.SpatialIDs) == 0 {
		return errors.New("spatial_ids is required")
	}
	if len(e.SpatialIDs) > MaxIDsPerEvent {
		return fmt.Errorf("spatial_ids exceeds %d entries", MaxIDsPerEvent)
	}
	for i, id := range e.SpatialIDs {
		if err := validate.SpatialID(id); err != nil {
			return fmt.Errorf("spatial_ids[%d]: %w", i, err)
		}
	}
	return nil
}
