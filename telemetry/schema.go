package telemetry

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const genericSchema = `{
  "type": "object",
  "required": ["lat", "lng", "altitude_m", "speed_mps", "heading_deg"],
  "properties": {
    "lat":         {"type": "number"},
    "lng":         {"type": "number"},
    "altitude_m":  {"type": "number"},
    "speed_mps":   {"type": "number"},
    "heading_deg": {"type": "number"},
    "extra":       {"type": ["object", "null"]}
  }
}`

const vendorSchema = `{
  "type": "object",
  "required": ["latitude", "longitude", "altitude_m", "speed_mps", "heading_deg"],
  "properties": {
    "latitude":        {"type": "number"},
    "longitude":       {"type": "number"},
    "altitude_m":      {"type": "number"},
    "speed_mps":       {"type": "number"},
    "heading_deg":     {"type": "number"},
    "battery_percent": {"type": ["number", "null"]},
    "voltage_v":       {"type": ["number", "null"]},
    "gps_valid":       {"type": ["boolean", "null"]},
    "armed":           {"type": ["boolean", "null"]},
    "flight_mode":     {"type": ["string", "null"]}
  }
}`

func mustSchema(format Format, src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("telemetry: invalid %s schema: %v", format, err))
	}
	return schema
}

// valid reports whether the loaded document satisfies schema.
func valid(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) bool {
	result, err := schema.Validate(doc)
	return err == nil && result.Valid()
}
