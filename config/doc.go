// Package config loads the fleetstream daemon configuration.
//
// Values are layered: built-in defaults, then a YAML or JSON file, then environment
// variables prefixed with FLEETSTREAM_. Nested keys join with underscores:
//
//	FLEETSTREAM_TRANSPORT_KIND=redis
//	FLEETSTREAM_TRANSPORT_URL=redis://localhost:6379/0
//	FLEETSTREAM_TRANSPORT_GRACE_PERIOD=5s
//	FLEETSTREAM_LOG_LEVEL=debug
//
// Load validates the result; an invalid configuration is a classified invalid error
// wrapping errors.ErrInvalidConfig.
package config
