package geofence

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/c360/fleetstream/errors"
)

var wktPoint = regexp.MustCompile(`(?i)^\s*POINT\s*\(\s*([+-]?(?:\d+\.?\d*|\.\d+))\s+([+-]?(?:\d+\.?\d*|\.\d+))\s*\)\s*$`)

// ToWKT encodes a position as POINT(lon lat).
func ToWKT(lon, lat float64) string {
	return "POINT(" + strconv.FormatFloat(lon, 'f', -1, 64) + " " + strconv.FormatFloat(lat, 'f', -1, 64) + ")"
}

// ParseWKT decodes a POINT(lon lat) string.
func ParseWKT(s string) (orb.Point, error) {
	m := wktPoint.FindStringSubmatch(s)
	if m == nil {
		return orb.Point{}, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidWKT, s), "Geofence", "ParseWKT", "match point")
	}
	lon, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return orb.Point{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidWKT, err), "Geofence", "ParseWKT", "parse longitude")
	}
	lat, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return orb.Point{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidWKT, err), "Geofence", "ParseWKT", "parse latitude")
	}
	return orb.Point{lon, lat}, nil
}
