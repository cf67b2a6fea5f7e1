// Package geofence classifies positions against restricted and permit zones.
//
// Zones carry either a GeoJSON Polygon/MultiPolygon or a circle document. Rings are
// closed with CloseRing wherever they are consumed, so a shape drawn with
// PolygonFromDrawn and the same shape evaluated from reference data give identical
// containment results. Distances are in meters.
//
// The package-level functions use a default Evaluator that logs through slog.Default
// and records no metrics.
package geofence
