package geofence

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/c360/fleetstream/errors"
)

// ZoneType selects which geometric test applies to a zone.
type ZoneType string

const (
	ZonePolygon ZoneType = "polygon"
	ZoneCircle  ZoneType = "circle"
)

// Zone is a restricted or permit area sourced from reference data.
// Geometry is a GeoJSON Polygon or MultiPolygon document, or for circle zones
// {"type":"Circle","center":[lon,lat],"radius_m":r}.
type Zone struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ZoneType    ZoneType        `json:"zoneType"`
	Geometry    json.RawMessage `json:"geometry"`
}

// CircleGeometry is the geometry document of a circle zone.
type CircleGeometry struct {
	Type    string    `json:"type"`
	Center  []float64 `json:"center"`
	RadiusM float64   `json:"radius_m"`
}

// shape is a parsed zone geometry. Exactly one of polygons or circle is set.
type shape struct {
	polygons orb.MultiPolygon
	circle   *circle
}

type circle struct {
	center  orb.Point
	radiusM float64
}

// CloseRing returns ring closed by appending a copy of its first point when the
// first and last points differ. The input is never modified.
func CloseRing(ring orb.Ring) orb.Ring {
	out := make(orb.Ring, len(ring), len(ring)+1)
	copy(out, ring)
	if len(out) > 0 && out[0] != out[len(out)-1] {
		out = append(out, out[0])
	}
	return out
}

// PolygonFromDrawn builds a zone geometry document from rings drawn by a user. The
// first ring is the exterior, the rest are holes. Rings are closed the same way zone
// evaluation closes them.
func PolygonFromDrawn(rings ...orb.Ring) (json.RawMessage, error) {
	if len(rings) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidGeometry, "Geofence", "PolygonFromDrawn", "read rings")
	}

	poly, err := normalizePolygon(orb.Polygon(rings))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Geofence", "PolygonFromDrawn", "close rings")
	}

	data, err := geojson.NewGeometry(poly).MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, "Geofence", "PolygonFromDrawn", "encode geometry")
	}
	return data, nil
}

// NewCircleZoneGeometry encodes a circle zone geometry document.
func NewCircleZoneGeometry(center orb.Point, radiusM float64) (json.RawMessage, error) {
	if !finitePoint(center) || !(radiusM > 0) || math.IsInf(radiusM, 0) {
		return nil, errors.WrapInvalid(errors.ErrInvalidGeometry, "Geofence", "NewCircleZoneGeometry", "check circle")
	}
	return json.Marshal(CircleGeometry{Type: "Circle", Center: []float64{center[0], center[1]}, RadiusM: radiusM})
}

func parseZone(z Zone) (shape, error) {
	if len(z.Geometry) == 0 {
		return shape{}, fmt.Errorf("%w: empty geometry", errors.ErrInvalidGeometry)
	}

	switch z.ZoneType {
	case ZoneCircle:
		c, err := parseCircle(z.Geometry)
		if err != nil {
			return shape{}, err
		}
		return shape{circle: c}, nil
	case ZonePolygon, "":
		polys, err := parsePolygons(z.Geometry)
		if err != nil {
			return shape{}, err
		}
		return shape{polygons: polys}, nil
	default:
		return shape{}, fmt.Errorf("%w: unknown zone type %q", errors.ErrInvalidGeometry, z.ZoneType)
	}
}

func parseCircle(data json.RawMessage) (*circle, error) {
	var doc CircleGeometry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidGeometry, err)
	}
	if doc.Type != "Circle" || len(doc.Center) != 2 {
		return nil, fmt.Errorf("%w: malformed circle", errors.ErrInvalidGeometry)
	}
	center := orb.Point{doc.Center[0], doc.Center[1]}
	if !finitePoint(center) || !(doc.RadiusM > 0) || math.IsInf(doc.RadiusM, 0) {
		return nil, fmt.Errorf("%w: circle out of range", errors.ErrInvalidGeometry)
	}
	return &circle{center: center, radiusM: doc.RadiusM}, nil
}

func parsePolygons(data json.RawMessage) (orb.MultiPolygon, error) {
	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidGeometry, err)
	}

	var polys orb.MultiPolygon
	switch geom := g.Geometry().(type) {
	case orb.Polygon:
		polys = orb.MultiPolygon{geom}
	case orb.MultiPolygon:
		polys = geom
	default:
		return nil, fmt.Errorf("%w: unsupported geometry %s", errors.ErrInvalidGeometry, g.Type)
	}

	out := make(orb.MultiPolygon, 0, len(polys))
	for _, p := range polys {
		np, err := normalizePolygon(p)
		if err != nil {
			return nil, err
		}
		out = append(out, np)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no polygons", errors.ErrInvalidGeometry)
	}
	return out, nil
}

// normalizePolygon closes every ring and rejects rings that cannot bound an area.
func normalizePolygon(p orb.Polygon) (orb.Polygon, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("%w: polygon has no rings", errors.ErrInvalidGeometry)
	}
	out := make(orb.Polygon, 0, len(p))
	for _, ring := range p {
		closed := CloseRing(ring)
		if len(closed) < 4 {
			return nil, fmt.Errorf("%w: ring has %d points", errors.ErrInvalidGeometry, len(ring))
		}
		for _, pt := range closed {
			if !finitePoint(pt) {
				return nil, fmt.Errorf("%w: non-finite coordinate", errors.ErrInvalidGeometry)
			}
		}
		out = append(out, closed)
	}
	return out, nil
}

// SubjectFromGeoJSON decodes a geometry to test with PolygonsIntersectAny. Both bare
// geometries and feature collections are accepted; a collection yields the polygons
// of its features.
func SubjectFromGeoJSON(data []byte) (orb.Geometry, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidGeometry, err),
			"Geofence", "SubjectFromGeoJSON", "decode type")
	}

	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidGeometry, err),
				"Geofence", "SubjectFromGeoJSON", "decode feature collection")
		}
		var collection orb.Collection
		for _, f := range fc.Features {
			collection = append(collection, f.Geometry)
		}
		return collection, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidGeometry, err),
				"Geofence", "SubjectFromGeoJSON", "decode feature")
		}
		return f.Geometry, nil
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidGeometry, err),
				"Geofence", "SubjectFromGeoJSON", "decode geometry")
		}
		return g.Geometry(), nil
	}
}

// subjectPolygons flattens a subject geometry into closed polygons. Non-areal
// members are ignored.
func subjectPolygons(g orb.Geometry) orb.MultiPolygon {
	var out orb.MultiPolygon
	switch geom := g.(type) {
	case orb.Polygon:
		if p, err := normalizePolygon(geom); err == nil {
			out = append(out, p)
		}
	case orb.MultiPolygon:
		for _, poly := range geom {
			out = append(out, subjectPolygons(poly)...)
		}
	case orb.Collection:
		for _, member := range geom {
			out = append(out, subjectPolygons(member)...)
		}
	case orb.Ring:
		out = append(out, subjectPolygons(orb.Polygon{geom})...)
	}
	return out
}

func finitePoint(p orb.Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
