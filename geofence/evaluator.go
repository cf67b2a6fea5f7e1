package geofence

import (
	"log/slog"
	"math"

	"github.com/paulmach/orb"

	"github.com/c360/fleetstream/metric"
)

// DefaultBufferMeters is the boundary proximity used when no buffer is configured.
const DefaultBufferMeters = 50.0

// Evaluator answers containment and boundary questions against zones. Zones whose
// geometry cannot be parsed are skipped, logged and counted; they never abort a scan.
type Evaluator struct {
	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithLogger sets the logger used to report malformed zones
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records evaluations and geometry faults
func WithMetrics(metrics *metric.Metrics) Option {
	return func(e *Evaluator) {
		e.metrics = metrics
	}
}

// NewEvaluator creates an Evaluator
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "geofence")
	return e
}

// PointInAnyPolygon reports whether point lies in at least one zone.
func (e *Evaluator) PointInAnyPolygon(point orb.Point, zones []Zone) bool {
	e.metrics.RecordZoneEvaluation("contains")
	for _, z := range zones {
		s, ok := e.shapeOf(z)
		if ok && s.contains(point) {
			return true
		}
	}
	return false
}

// PolygonsIntersectAny reports whether any polygon of subject intersects at least one
// zone. Subject may be a Polygon, MultiPolygon, Ring or a Collection of those, as
// returned by SubjectFromGeoJSON.
func (e *Evaluator) PolygonsIntersectAny(subject orb.Geometry, zones []Zone) bool {
	e.metrics.RecordZoneEvaluation("intersects")
	polys := subjectPolygons(subject)
	if len(polys) == 0 {
		return false
	}
	for _, z := range zones {
		s, ok := e.shapeOf(z)
		if ok && s.intersects(polys) {
			return true
		}
	}
	return false
}

// DistanceToBoundary returns the smallest distance in meters from point to the
// boundary of any zone containing it. ok is false when no zone contains the point.
func (e *Evaluator) DistanceToBoundary(point orb.Point, zones []Zone) (meters float64, ok bool) {
	e.metrics.RecordZoneEvaluation("distance")
	return e.distanceToBoundary(point, zones)
}

func (e *Evaluator) distanceToBoundary(point orb.Point, zones []Zone) (float64, bool) {
	best := math.Inf(1)
	found := false
	for _, z := range zones {
		s, ok := e.shapeOf(z)
		if !ok || !s.contains(point) {
			continue
		}
		if d := s.boundaryDistance(point); d < best {
			best = d
			found = true
		}
	}
	if !found {
		return 0, false
	}
	return best, true
}

// IsNearBoundary reports whether point is inside a zone and closer than bufferMeters
// to its boundary. A non-positive buffer selects DefaultBufferMeters.
func (e *Evaluator) IsNearBoundary(point orb.Point, zones []Zone, bufferMeters float64) bool {
	e.metrics.RecordZoneEvaluation("near_boundary")
	if bufferMeters <= 0 {
		bufferMeters = DefaultBufferMeters
	}
	d, ok := e.distanceToBoundary(point, zones)
	return ok && d < bufferMeters
}

// Validate parses every zone and returns those whose geometry is malformed.
func (e *Evaluator) Validate(zones []Zone) []Zone {
	var bad []Zone
	for _, z := range zones {
		if _, ok := e.shapeOf(z); !ok {
			bad = append(bad, z)
		}
	}
	return bad
}

func (e *Evaluator) shapeOf(z Zone) (shape, bool) {
	s, err := parseZone(z)
	if err != nil {
		e.metrics.RecordGeometryFault()
		e.logger.Warn("Skipping zone with malformed geometry",
			"zone_id", z.ID,
			"zone_type", z.ZoneType,
			"error", err)
		return shape{}, false
	}
	return s, true
}

var defaultEvaluator = NewEvaluator()

// PointInAnyPolygon evaluates with the default evaluator.
func PointInAnyPolygon(point orb.Point, zones []Zone) bool {
	return defaultEvaluator.PointInAnyPolygon(point, zones)
}

// PolygonsIntersectAny evaluates with the default evaluator.
func PolygonsIntersectAny(subject orb.Geometry, zones []Zone) bool {
	return defaultEvaluator.PolygonsIntersectAny(subject, zones)
}

// DistanceToBoundary evaluates with the default evaluator.
func DistanceToBoundary(point orb.Point, zones []Zone) (float64, bool) {
	return defaultEvaluator.DistanceToBoundary(point, zones)
}

// IsNearBoundary evaluates with the default evaluator.
func IsNearBoundary(point orb.Point, zones []Zone, bufferMeters float64) bool {
	return defaultEvaluator.IsNearBoundary(point, zones, bufferMeters)
}
