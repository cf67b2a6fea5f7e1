// Package memory provides an in-process loopback transport.
//
// Transports attached to the same Hub exchange messages synchronously. The Hub can
// simulate an outage, which drives every attached transport through disconnect and
// reconnect the way a network transport would.
package memory

import (
	"context"
	"sync"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/multiplexer"
)

// Hub routes messages between transports in one process.
type Hub struct {
	mu         sync.RWMutex
	transports map[*Transport]struct{}
	down       bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{transports: make(map[*Transport]struct{})}
}

// Publish delivers data to every connected transport listening on subject and returns
// the number of deliveries.
func (h *Hub) Publish(subject string, data []byte) int {
	h.mu.RLock()
	if h.down {
		h.mu.RUnlock()
		return 0
	}
	var targets []func([]byte)
	for t := range h.transports {
		if deliver := t.listener(subject); deliver != nil {
			targets = append(targets, deliver)
		}
	}
	h.mu.RUnlock()

	for _, deliver := range targets {
		deliver(data)
	}
	return len(targets)
}

// SetDown simulates an outage (true) or its end (false).
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	if h.down == down {
		h.mu.Unlock()
		return
	}
	h.down = down
	attached := make([]*Transport, 0, len(h.transports))
	for t := range h.transports {
		attached = append(attached, t)
	}
	h.mu.Unlock()

	// Flip every transport before notifying so that replayed messages find their peers.
	var notify []func()
	for _, t := range attached {
		var fn func()
		if down {
			fn = t.markLost()
		} else {
			fn = t.markRestored()
		}
		if fn != nil {
			notify = append(notify, fn)
		}
	}
	for _, fn := range notify {
		fn()
	}
}

func (h *Hub) attach(t *Transport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transports[t] = struct{}{}
	return !h.down
}

func (h *Hub) detach(t *Transport) {
	h.mu.Lock()
	delete(h.transports, t)
	h.mu.Unlock()
}

// Transport is a multiplexer.Transport backed by a Hub.
type Transport struct {
	hub *Hub

	mu        sync.Mutex
	events    multiplexer.Events
	attached  bool
	connected bool
	listeners map[string]func([]byte)
}

// New creates a transport on hub.
func New(hub *Hub) *Transport {
	return &Transport{
		hub:       hub,
		listeners: make(map[string]func([]byte)),
	}
}

// Open attaches to the hub. While the hub is down the transport stays attached and
// connects when the outage ends.
func (t *Transport) Open(_ context.Context, events multiplexer.Events) error {
	t.mu.Lock()
	t.events = events
	t.attached = true
	t.mu.Unlock()

	if !t.hub.attach(t) {
		return nil
	}
	if notify := t.markRestored(); notify != nil {
		notify()
	}
	return nil
}

// Listen implements multiplexer.Transport.
func (t *Transport) Listen(subject string, deliver func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[subject] = deliver
	return nil
}

// Unlisten implements multiplexer.Transport.
func (t *Transport) Unlisten(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, subject)
	return nil
}

// Publish implements multiplexer.Transport.
func (t *Transport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return errors.WrapTransient(errors.ErrNoConnection, "MemoryTransport", "Publish", "publish")
	}
	t.hub.Publish(subject, data)
	return nil
}

// Close detaches from the hub.
func (t *Transport) Close() error {
	t.hub.detach(t)
	t.mu.Lock()
	t.attached = false
	t.connected = false
	t.events = multiplexer.Events{}
	t.listeners = make(map[string]func([]byte))
	t.mu.Unlock()
	return nil
}

// Listening returns the number of subjects with an attached listener.
func (t *Transport) Listening() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

func (t *Transport) listener(subject string) func([]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	return t.listeners[subject]
}

// markLost flags the transport disconnected and returns the event notification.
func (t *Transport) markLost() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false
	events := t.events
	return func() {
		if events.OnDisconnected != nil {
			events.OnDisconnected(errors.ErrConnectionLost)
		}
		if events.OnConnecting != nil {
			events.OnConnecting()
		}
	}
}

// markRestored flags the transport connected and returns the event notification.
func (t *Transport) markRestored() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.attached || t.connected {
		return nil
	}
	t.connected = true
	events := t.events
	return func() {
		if events.OnConnected != nil {
			events.OnConnected()
		}
	}
}
