// Package buffer provides the FIFO buffers behind the multiplexer's outbound queue.
//
// New(0) returns an unbounded buffer. New(n) with n > 0 returns a circular buffer that
// keeps at most n items and applies an OverflowPolicy when full:
//
//	queue := buffer.New[Message](1024,
//	    buffer.WithOverflowPolicy[Message](buffer.DropOldest),
//	    buffer.WithDropCallback[Message](func(m Message) { dropped.Inc() }),
//	)
//	queue.Write(msg)
//	for _, m := range queue.Drain() { ... }
//
// All buffers are safe for concurrent use. Drop callbacks run outside the buffer lock.
package buffer
