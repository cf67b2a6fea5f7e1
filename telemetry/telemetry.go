package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/errors"
)

// Format identifies a raw telemetry variant.
type Format string

// Known formats, in the order the validator chain tries them.
const (
	FormatGeneric Format = "generic"
	FormatVendor  Format = "vendor"
)

// FormatField is the optional discriminator naming the variant of a payload.
const FormatField = "format"

// GenericTelemetry is the generic raw shape.
type GenericTelemetry struct {
	Lat        float64        `json:"lat"`
	Lng        float64        `json:"lng"`
	AltitudeM  float64        `json:"altitude_m"`
	SpeedMps   float64        `json:"speed_mps"`
	HeadingDeg float64        `json:"heading_deg"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// VendorTelemetry is the flat vendor raw shape.
type VendorTelemetry struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AltitudeM      float64  `json:"altitude_m"`
	SpeedMps       float64  `json:"speed_mps"`
	HeadingDeg     float64  `json:"heading_deg"`
	BatteryPercent *float64 `json:"battery_percent"`
	VoltageV       *float64 `json:"voltage_v"`
	GPSValid       *bool    `json:"gps_valid"`
	Armed          *bool    `json:"armed"`
	FlightMode     *string  `json:"flight_mode"`
}

type variant struct {
	format Format
	schema *gojsonschema.Schema
	decode func(raw []byte) (entitystore.Delta, error)
}

var chain = []variant{
	{format: FormatGeneric, schema: mustSchema(FormatGeneric, genericSchema), decode: decodeGeneric},
	{format: FormatVendor, schema: mustSchema(FormatVendor, vendorSchema), decode: decodeVendor},
}

// IsValid reports whether raw is a generic payload: every one of lat, lng, altitude_m,
// speed_mps and heading_deg is present and numeric.
func IsValid(raw []byte) bool {
	return valid(chain[0].schema, gojsonschema.NewBytesLoader(raw))
}

// IsValidGeneric is IsValid for an already decoded document.
func IsValidGeneric(doc map[string]any) bool {
	return valid(chain[0].schema, gojsonschema.NewGoLoader(doc))
}

// IsValidVendor reports whether raw is a vendor payload.
func IsValidVendor(raw []byte) bool {
	return valid(chain[1].schema, gojsonschema.NewBytesLoader(raw))
}

// Normalize validates raw and maps it to a Delta. A payload naming its format in the
// format field is checked against that variant only; otherwise variants are tried in
// order. A payload no variant accepts yields errors.ErrInvalidTelemetry.
func Normalize(raw []byte) (entitystore.Delta, Format, error) {
	var probe struct {
		Format *string `json:"format"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return entitystore.Delta{}, "", errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidTelemetry, err),
			"Normalizer", "Normalize", "decode payload")
	}

	candidates := chain
	if probe.Format != nil {
		v, ok := lookup(Format(*probe.Format))
		if !ok {
			return entitystore.Delta{}, "", errors.WrapInvalid(
				fmt.Errorf("%w: unknown format %q", errors.ErrInvalidTelemetry, *probe.Format),
				"Normalizer", "Normalize", "select variant")
		}
		candidates = []variant{v}
	}

	doc := gojsonschema.NewBytesLoader(raw)
	for _, v := range candidates {
		if !valid(v.schema, doc) {
			continue
		}
		delta, err := v.decode(raw)
		if err != nil {
			return entitystore.Delta{}, v.format, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrInvalidTelemetry, err),
				"Normalizer", "Normalize", "decode "+string(v.format))
		}
		return delta, v.format, nil
	}

	return entitystore.Delta{}, "", errors.WrapInvalid(errors.ErrInvalidTelemetry,
		"Normalizer", "Normalize", "validate payload")
}

func lookup(format Format) (variant, bool) {
	for _, v := range chain {
		if v.format == format {
			return v, true
		}
	}
	return variant{}, false
}

func decodeGeneric(raw []byte) (entitystore.Delta, error) {
	var msg GenericTelemetry
	if err := json.Unmarshal(raw, &msg); err != nil {
		return entitystore.Delta{}, err
	}
	return ToCanonical(msg), nil
}

func decodeVendor(raw []byte) (entitystore.Delta, error) {
	var msg VendorTelemetry
	if err := json.Unmarshal(raw, &msg); err != nil {
		return entitystore.Delta{}, err
	}
	return VendorToCanonical(msg), nil
}

// ToCanonical maps a generic payload. The optional extra fields relative_altitude_m, vx,
// vy and vz map to nil when absent or not numeric, never to zero.
func ToCanonical(msg GenericTelemetry) entitystore.Delta {
	return entitystore.Delta{
		Position: &entitystore.Position{
			Lat:               ptr(msg.Lat),
			Lng:               ptr(msg.Lng),
			AltitudeM:         ptr(msg.AltitudeM),
			RelativeAltitudeM: extraNumber(msg.Extra, "relative_altitude_m"),
		},
		Motion: &entitystore.Motion{
			SpeedMps:   ptr(msg.SpeedMps),
			HeadingDeg: ptr(msg.HeadingDeg),
			Velocity: entitystore.Velocity{
				Vx: extraNumber(msg.Extra, "vx"),
				Vy: extraNumber(msg.Extra, "vy"),
				Vz: extraNumber(msg.Extra, "vz"),
			},
		},
	}
}

// VendorToCanonical maps a vendor payload to the same canonical shape. The battery and
// system groups are always supplied; fields the payload lacks are nil.
func VendorToCanonical(msg VendorTelemetry) entitystore.Delta {
	return entitystore.Delta{
		Position: &entitystore.Position{
			Lat:       ptr(msg.Latitude),
			Lng:       ptr(msg.Longitude),
			AltitudeM: ptr(msg.AltitudeM),
		},
		Motion: &entitystore.Motion{
			SpeedMps:   ptr(msg.SpeedMps),
			HeadingDeg: ptr(msg.HeadingDeg),
		},
		Battery: &entitystore.Battery{
			Percent:  copyPtr(msg.BatteryPercent),
			VoltageV: copyPtr(msg.VoltageV),
		},
		System: &entitystore.System{
			Armed:    copyPtr(msg.Armed),
			Mode:     copyPtr(msg.FlightMode),
			GPSValid: copyPtr(msg.GPSValid),
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	return ptr(*p)
}

func extraNumber(extra map[string]any, key string) *float64 {
	if v, ok := extra[key].(float64); ok {
		return &v
	}
	return nil
}
