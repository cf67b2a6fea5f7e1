// Package refdata fetches the reference inventory and zone lists the pipeline is
// hydrated from.
package refdata

import (
	"context"
	"slices"

	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/geofence"
)

// Default bucket names.
const (
	DefaultInventoryBucket = "inventory"
	DefaultZonesBucket     = "zones"
)

// Provider supplies reference data. Implementations either return a complete list or
// an error; they never return a partial list alongside an error.
type Provider interface {
	Inventory(ctx context.Context) ([]entitystore.InventoryItem, error)
	Zones(ctx context.Context) ([]geofence.Zone, error)
}

// Static serves fixed lists. It is used in local mode and tests.
type Static struct {
	Items    []entitystore.InventoryItem
	ZoneList []geofence.Zone
}

// Inventory returns a copy of the fixed inventory
func (s *Static) Inventory(ctx context.Context) ([]entitystore.InventoryItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(s.Items), nil
}

// Zones returns a copy of the fixed zones
func (s *Static) Zones(ctx context.Context) ([]geofence.Zone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(s.ZoneList), nil
}
