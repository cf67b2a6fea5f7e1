// Package multiplexer fans a single transport connection out to many subjects.
//
// A Multiplexer owns one Transport and a registry mapping each subject to its set of
// callbacks. The transport is asked for exactly one wire listener per subject no matter how
// many callbacks share it; messages are delivered synchronously, in arrival order, to a
// snapshot of the callback set taken when the message arrives.
//
// Connection lifecycle is an explicit state machine:
//
//	disconnected → connecting → connected
//	connected    → disconnected   (transport lost the connection)
//	connecting   → error          (grace period expired without a connection)
//	error, disconnected → connecting (transport reconnect, open retry, or Connect)
//
// A single timer owned by the Multiplexer serves both the grace deadline and retries of a
// failed Transport.Open, and is replaced on every transition. Transport faults never reach
// callers; they are visible only through State and OnStateChange.
//
// Send publishes immediately while connected. Otherwise the message is queued and the
// queue is flushed in FIFO order on the next connected transition, before any message sent
// after it. The queue is unbounded unless WithMaxQueued is set, in which case the oldest
// message is dropped when full.
//
// Every registered subject is attached again on each connected transition, so
// subscriptions made while disconnected take effect on the next connect.
package multiplexer
