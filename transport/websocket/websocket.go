// Package websocket provides a multiplexer transport speaking a JSON envelope protocol to a
// websocket relay.
//
// Every frame is an Envelope. The client sends subscribe, unsubscribe and publish frames;
// the relay sends message frames for subjects the connection subscribed to. Payloads are
// JSON documents carried verbatim.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/multiplexer"
	"github.com/c360/fleetstream/pkg/retry"
)

// Envelope types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeMessage     = "message"
)

// Envelope is the frame exchanged with the relay.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Config configures the transport.
type Config struct {
	URL               string
	Header            http.Header
	ReconnectAttempts int           // dial attempts after a lost connection
	ReconnectWait     time.Duration // fixed wait before each attempt
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

// DefaultConfig returns the configuration for url with the default reconnect budget.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectWait:     time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Transport is a multiplexer.Transport over one websocket connection.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	events   multiplexer.Events
	delivers map[string]func([]byte)
	closed   bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New creates a transport. It does not dial until Open.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "WebsocketTransport", "New", "validate url")
	}
	defaults := DefaultConfig(cfg.URL)
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:      cfg,
		logger:   logger.With("component", "websocket_transport", "url", cfg.URL),
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		ctx:      ctx,
		cancel:   cancel,
		delivers: make(map[string]func([]byte)),
	}, nil
}

// Open dials the relay once. A lost connection is redialed in the background.
func (t *Transport) Open(ctx context.Context, events multiplexer.Events) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "WebsocketTransport", "Open", "dial relay")
	}
	t.events = events
	t.mu.Unlock()

	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.attach(conn)
	return nil
}

// Listen sends a subscribe frame for subject.
func (t *Transport) Listen(subject string, deliver func([]byte)) error {
	t.mu.Lock()
	t.delivers[subject] = deliver
	t.mu.Unlock()

	return t.write(Envelope{Type: TypeSubscribe, Subject: subject})
}

// Unlisten sends an unsubscribe frame for subject.
func (t *Transport) Unlisten(subject string) error {
	t.mu.Lock()
	_, ok := t.delivers[subject]
	delete(t.delivers, subject)
	connected := t.conn != nil
	t.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return t.write(Envelope{Type: TypeUnsubscribe, Subject: subject})
}

// Publish sends a publish frame. data must be a JSON document.
func (t *Transport) Publish(subject string, data []byte) error {
	if !json.Valid(data) {
		return errors.WrapInvalid(errors.ErrParsingFailed, "WebsocketTransport", "Publish", "validate payload")
	}
	return t.write(Envelope{Type: TypePublish, Subject: subject, Payload: data})
}

// Close stops reconnecting and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.events = multiplexer.Events{}
	t.mu.Unlock()

	t.cancel()

	var err error
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = conn.Close()
	}
	t.wg.Wait()

	if err != nil {
		return errors.Wrap(err, "WebsocketTransport", "Close", "close connection")
	}
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return nil, errors.WrapTransient(err, "WebsocketTransport", "dial", "dial relay")
	}
	return conn, nil
}

// attach installs conn, starts its read loop and reports the connection.
func (t *Transport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.conn = conn
	events := t.events
	t.wg.Add(1)
	t.mu.Unlock()

	go t.readLoop(conn)

	t.logger.Info("Connected to relay")
	if events.OnConnected != nil {
		events.OnConnected()
	}
}

func (t *Transport) write(env Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "WebsocketTransport", "write", "send "+env.Type)
	}

	env.ID = uuid.NewString()
	env.Timestamp = time.Now().UnixMilli()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return errors.WrapTransient(err, "WebsocketTransport", "write", "set deadline")
	}
	if err := conn.WriteJSON(env); err != nil {
		return errors.WrapTransient(err, "WebsocketTransport", "write", "send "+env.Type)
	}
	return nil
}

// readLoop delivers message frames until the connection fails, then reconnects.
func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Debug("Dropping malformed frame", "error", err)
			continue
		}
		if env.Type != TypeMessage {
			continue
		}

		t.mu.Lock()
		deliver := t.delivers[env.Subject]
		t.mu.Unlock()
		if deliver != nil {
			deliver(env.Payload)
		}
	}
}

func (t *Transport) connectionLost(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	events := t.events
	t.mu.Unlock()
	_ = conn.Close()

	t.logger.Warn("Relay connection lost", "error", cause)
	if events.OnDisconnected != nil {
		events.OnDisconnected(cause)
	}
	if t.cfg.ReconnectAttempts == 0 {
		if events.OnError != nil {
			events.OnError(errors.ErrConnectionLost)
		}
		return
	}
	if events.OnConnecting != nil {
		events.OnConnecting()
	}

	t.wg.Add(1)
	go t.reconnect(events)
}

// reconnect redials with a fixed wait until the attempt budget is spent.
func (t *Transport) reconnect(events multiplexer.Events) {
	defer t.wg.Done()

	cfg := retry.Fixed(t.cfg.ReconnectAttempts, t.cfg.ReconnectWait)
	attempt := 0
	conn, err := retry.DoWithResult(t.ctx, cfg, func() (*websocket.Conn, error) {
		attempt++
		t.logger.Debug("Redialing relay", "attempt", attempt)
		return t.dial(t.ctx)
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Error("Relay reconnect attempts exhausted", "attempts", attempt, "error", err)
		if events.OnError != nil {
			events.OnError(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err))
		}
		return
	}
	t.attach(conn)
}
