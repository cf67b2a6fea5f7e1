// Package errors provides standardized error handling for fleetstream components.
//
// Errors fall into three classes:
//
//   - Transient: transport or reference-data faults; callers may retry
//   - Invalid: malformed telemetry, zone geometry or WKT; the input is dropped
//   - Fatal: invalid configuration; processing must stop
//
// Wrapping follows the pattern "component.method: action failed: cause" and keeps the
// cause reachable through errors.Is and errors.As:
//
//	if err := provider.Inventory(ctx); err != nil {
//	    return errors.WrapTransient(err, "Bridge", "Hydrate", "fetch inventory")
//	}
//
// The package shadows the standard library name on purpose; import the standard
// package as stderrors where both are needed.
package errors
