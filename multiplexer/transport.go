package multiplexer

import "context"

// Transport is one physical connection able to carry subject-addressed messages.
//
// Implementations report lifecycle changes through the Events passed to Open, from any
// goroutine. Listen for a subject that is already listened replaces the deliver func and
// re-asserts the subscription on the wire without causing duplicate delivery. Unlisten of
// an unknown subject is a no-op.
type Transport interface {
	// Open begins connecting. An error means the attempt failed outright and no event is
	// reported for it; otherwise the outcome is reported through events.
	Open(ctx context.Context, events Events) error

	// Listen attaches the wire listener for subject.
	Listen(subject string, deliver func(payload []byte)) error

	// Unlisten detaches the wire listener for subject.
	Unlisten(subject string) error

	// Publish sends data on subject.
	Publish(subject string, data []byte) error

	// Close releases the connection. Events are not reported after Close returns.
	Close() error
}

// Events are the lifecycle notifications a Transport reports.
type Events struct {
	// OnConnecting reports that the transport began a reconnect on its own.
	OnConnecting func()

	// OnConnected reports an established connection.
	OnConnected func()

	// OnDisconnected reports a lost connection. The transport may reconnect on its own.
	OnDisconnected func(err error)

	// OnError reports a failure the transport will not recover from without a new Open.
	OnError func(err error)
}
