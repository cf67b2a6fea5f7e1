// Package telemetry validates raw telemetry payloads and maps them to canonical
// entity-state deltas.
//
// Two raw variants are understood. The generic shape carries lat, lng, altitude_m,
// speed_mps and heading_deg plus an optional extra object; the vendor shape uses
// latitude/longitude and adds battery and flight-system fields. Each variant is
// validated against a JSON Schema before it is decoded, and Normalize tries them in
// order unless the payload names its variant in a "format" field.
//
// Optional data that is absent maps to nil, never to zero.
package telemetry
