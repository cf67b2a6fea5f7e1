package natsclient

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/multiplexer"
)

// Transport adapts a Client to multiplexer.Transport. NATS subjects are used verbatim.
//
// nats.go performs its own bounded reconnect (MaxReconnects, ReconnectWait): a disconnect is
// reported as OnDisconnected followed by OnConnecting, a successful reconnect as
// OnConnected and an exhausted reconnect budget as OnError.
//
// The Client is not closed by the Transport so it can be shared with the KV helpers.
type Transport struct {
	client *Client

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	delivers map[string]func([]byte)
}

// NewTransport creates a transport over client.
func NewTransport(client *Client) *Transport {
	return &Transport{
		client:   client,
		subs:     make(map[string]*nats.Subscription),
		delivers: make(map[string]func([]byte)),
	}
}

// Open connects the client unless it is already connected.
func (t *Transport) Open(ctx context.Context, events multiplexer.Events) error {
	t.client.OnDisconnect(func(err error) {
		if events.OnDisconnected != nil {
			events.OnDisconnected(err)
		}
		if t.client.MaxReconnects() != 0 && events.OnConnecting != nil {
			events.OnConnecting()
		}
	})
	t.client.OnReconnect(func() {
		if events.OnConnected != nil {
			events.OnConnected()
		}
	})
	t.client.OnClosed(func() {
		if events.OnError != nil {
			events.OnError(errors.ErrConnectionLost)
		}
	})

	if !t.client.IsHealthy() {
		if err := t.client.Connect(ctx); err != nil {
			return err
		}
	}
	if events.OnConnected != nil {
		events.OnConnected()
	}
	return nil
}

// Listen subscribes to subject, reusing a live subscription when one exists.
func (t *Transport) Listen(subject string, deliver func([]byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.delivers[subject] = deliver
	if sub, ok := t.subs[subject]; ok && sub.IsValid() {
		return nil
	}

	sub, err := t.client.Subscribe(subject, func(data []byte) {
		t.mu.Lock()
		fn := t.delivers[subject]
		t.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	})
	if err != nil {
		delete(t.delivers, subject)
		return errors.Wrap(err, "Transport", "Listen", "subscribe "+subject)
	}
	t.subs[subject] = sub
	return nil
}

// Unlisten unsubscribes from subject.
func (t *Transport) Unlisten(subject string) error {
	t.mu.Lock()
	sub, ok := t.subs[subject]
	delete(t.subs, subject)
	delete(t.delivers, subject)
	t.mu.Unlock()

	if !ok || !sub.IsValid() {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return errors.Wrap(err, "Transport", "Unlisten", "unsubscribe "+subject)
	}
	return nil
}

// Publish implements multiplexer.Transport.
func (t *Transport) Publish(subject string, data []byte) error {
	return t.client.Publish(subject, data)
}

// Close unsubscribes every subject and stops reporting events.
func (t *Transport) Close() error {
	t.client.OnDisconnect(nil)
	t.client.OnReconnect(nil)
	t.client.OnClosed(nil)

	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*nats.Subscription)
	t.delivers = make(map[string]func([]byte))
	t.mu.Unlock()

	for _, sub := range subs {
		if sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	return nil
}

// Subscriptions returns the number of live NATS subscriptions held.
func (t *Transport) Subscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, sub := range t.subs {
		if sub.IsValid() {
			n++
		}
	}
	return n
}
