// Package fleetstream tracks the live state of a fleet of moving entities (drones,
// vehicles) from their telemetry streams and checks their positions against zones.
//
// # Architecture
//
//	┌────────────────────────────────────────┐
//	│  transport: nats | websocket | redis   │  one connection, bounded reconnect
//	│             | memory                   │
//	└────────────────────────────────────────┘
//	           ↓ raw payloads per subject
//	┌────────────────────────────────────────┐
//	│  multiplexer                           │  subject fan-out, connection state,
//	│                                        │  outbound queue
//	└────────────────────────────────────────┘
//	           ↓ entity.<id>.telemetry
//	┌────────────────────────────────────────┐
//	│  bridge → telemetry.Normalize          │  vendor or generic payloads become
//	│         → entitystore.Upsert           │  one canonical delta
//	└────────────────────────────────────────┘
//	           ↓ snapshots
//	┌────────────────────────────────────────┐
//	│  gateway: REST, /ws feed, /healthz,    │
//	│           /metrics                     │
//	└────────────────────────────────────────┘
//
// Reference data (inventory and zones) comes from NATS KV buckets through refdata and is
// evaluated by geofence. Inventory hydration creates disconnected snapshots and tracks
// their telemetry subjects; the first telemetry marks an entity connected.
//
// # Packages
//
//   - multiplexer: one transport connection shared by many subject subscribers
//   - transport/*: multiplexer.Transport implementations
//   - natsclient: NATS connection, KV access and the NATS transport
//   - telemetry: payload validation and normalization
//   - entitystore: latest snapshot per entity
//   - geofence: point-in-zone, intersection and boundary distance
//   - refdata: inventory and zone providers
//   - bridge: subscribes tracked entities and feeds the store
//   - gateway: HTTP and websocket read surface
//   - config, health, metric, errors: ambient support
//
// # Running
//
//	fleetstream serve --config fleetstream.yaml
//	FLEETSTREAM_TRANSPORT_KIND=memory FLEETSTREAM_REFDATA_KIND=static fleetstream serve
package fleetstream
