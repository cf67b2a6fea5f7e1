package geofence

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

func (s shape) contains(p orb.Point) bool {
	if s.circle != nil {
		return geo.DistanceHaversine(s.circle.center, p) <= s.circle.radiusM
	}
	return planar.MultiPolygonContains(s.polygons, p)
}

// boundaryDistance is the distance in meters from p to the nearest edge of the shape.
func (s shape) boundaryDistance(p orb.Point) float64 {
	if s.circle != nil {
		return math.Abs(s.circle.radiusM - geo.DistanceHaversine(s.circle.center, p))
	}
	best := math.Inf(1)
	for _, poly := range s.polygons {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				if d := pointSegmentMeters(p, ring[i], ring[i+1]); d < best {
					best = d
				}
			}
		}
	}
	return best
}

func (s shape) intersects(subject orb.MultiPolygon) bool {
	for _, poly := range subject {
		if s.circle != nil {
			if polygonTouchesCircle(poly, *s.circle) {
				return true
			}
			continue
		}
		for _, zone := range s.polygons {
			if polygonsIntersect(poly, zone) {
				return true
			}
		}
	}
	return false
}

func polygonsIntersect(a, b orb.Polygon) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, ra := range a {
		for _, rb := range b {
			if ringsCross(ra, rb) {
				return true
			}
		}
	}
	// No edges cross: either one lies inside the other or they are disjoint.
	return planar.PolygonContains(b, a[0][0]) || planar.PolygonContains(a, b[0][0])
}

func polygonTouchesCircle(poly orb.Polygon, c circle) bool {
	if planar.PolygonContains(poly, c.center) {
		return true
	}
	for _, ring := range poly {
		for i := 0; i+1 < len(ring); i++ {
			if pointSegmentMeters(c.center, ring[i], ring[i+1]) <= c.radiusM {
				return true
			}
		}
	}
	return false
}

func ringsCross(a, b orb.Ring) bool {
	for i := 0; i+1 < len(a); i++ {
		for j := 0; j+1 < len(b); j++ {
			if segmentsIntersect(a[i], a[i+1], b[j], b[j+1]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

func orientation(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0]) <= p[0] && p[0] <= math.Max(a[0], b[0]) &&
		math.Min(a[1], b[1]) <= p[1] && p[1] <= math.Max(a[1], b[1])
}

// pointSegmentMeters projects p onto segment ab in a local equirectangular frame
// centred on p and returns the great-circle distance to the closest point.
func pointSegmentMeters(p, a, b orb.Point) float64 {
	scale := math.Cos(p[1] * math.Pi / 180)
	ax, ay := (a[0]-p[0])*scale, a[1]-p[1]
	bx, by := (b[0]-p[0])*scale, b[1]-p[1]

	dx, dy := bx-ax, by-ay
	t := 0.0
	if lenSq := dx*dx + dy*dy; lenSq > 0 {
		t = math.Max(0, math.Min(1, -(ax*dx+ay*dy)/lenSq))
	}

	closest := orb.Point{
		a[0] + t*(b[0]-a[0]),
		a[1] + t*(b[1]-a[1]),
	}
	return geo.DistanceHaversine(p, closest)
}
