// Package natsclient manages a NATS connection for the telemetry pipeline.
//
// Client wraps a *nats.Conn with status tracking, slog logging and reconnect handlers.
// nats.go's own bounded reconnect (WithMaxReconnects, WithReconnectWait) is used; the
// handlers translate its events into callbacks.
//
// Transport adapts a Client to multiplexer.Transport so the multiplexer can carry
// entity telemetry subjects over NATS:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithMaxReconnects(5),
//	    natsclient.WithReconnectWait(time.Second),
//	    natsclient.WithLogger(logger),
//	)
//	mux, err := multiplexer.New(natsclient.NewTransport(client))
//	mux.Connect(ctx)
//
// KeyValue opens a JetStream KV bucket as a KVStore with JSON helpers; the reference
// data provider reads inventory and zones through it.
//
// Integration tests run a NATS server with testcontainers and are behind the
// integration build tag:
//
//	go test -tags integration ./natsclient/...
package natsclient
