// Package retry provides bounded retry for transient failures.
//
// Two shapes are used in fleetstream:
//
//   - Fixed(attempts, wait): reconnection budget of the transport multiplexer and the
//     websocket transport (5 attempts at 1s by default)
//   - DefaultConfig(): short exponential backoff around reference-data fetches
//
// Do runs a function under a Config; Delay exposes the schedule to callers that drive
// their own timers instead of blocking:
//
//	cfg := retry.Fixed(5, time.Second)
//	timer := time.AfterFunc(cfg.Delay(attempt), reconnect)
//
// Wrap an error with NonRetryable to stop immediately.
package retry
