// Package gateway exposes entity snapshots over HTTP.
//
// Routes:
//
//	GET  /api/entities                  every snapshot, sorted by id
//	GET  /api/entities/{id}             one snapshot
//	GET  /api/entities/{id}/zones       zone report for the entity's position
//	POST /api/entities/{id}/telemetry   validate and publish a raw payload
//	GET  /api/zones                     cached zones (?refresh=true refetches)
//	GET  /healthz                       aggregate health, 503 when unhealthy
//	GET  /metrics                       Prometheus exposition
//	GET  /ws                            live snapshot feed
//
// The /ws feed sends every current snapshot on connect and then one JSON snapshot per
// upsert. Slow clients lose their oldest pending snapshots.
package gateway
