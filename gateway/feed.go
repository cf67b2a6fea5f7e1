package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/pkg/buffer"
)

const (
	feedClientBuffer = 256
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
	feedReadTimeout  = 2 * feedPingInterval
)

// Feed streams entity snapshots to websocket clients. A client first receives every
// current snapshot, then one message per upsert. Each client has a bounded queue; a
// client that falls behind loses its oldest pending snapshots, never blocking Upsert.
type Feed struct {
	store    *entitystore.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type feedClient struct {
	conn    *websocket.Conn
	pending buffer.Buffer[[]byte]
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewFeed creates a feed and registers it as an upsert listener on store.
func NewFeed(store *entitystore.Store, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*feedClient]struct{}),
	}
	store.OnUpsert(f.publish)
	return f
}

// Clients returns the number of connected clients
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ServeHTTP upgrades the request and streams snapshots until the client goes away.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Debug("Feed upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn:   conn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.pending = buffer.New[[]byte](feedClientBuffer,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) { c.dropped.Add(1) }),
	)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	// Snapshot under the lock so no upsert published after it is missed.
	for _, state := range f.store.All() {
		f.enqueue(c, state)
	}
	f.clients[c] = struct{}{}
	f.wg.Add(2)
	f.mu.Unlock()

	go f.readLoop(c)
	go f.writeLoop(c)
}

// Close disconnects every client and waits for their goroutines.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		f.remove(c)
	}
	f.wg.Wait()
}

func (f *Feed) publish(state entitystore.EntityState) {
	data, err := json.Marshal(state)
	if err != nil {
		f.logger.Warn("Cannot encode snapshot", "entity", state.ID, "error", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		c.pending.Write(data)
		c.signal()
	}
}

func (f *Feed) enqueue(c *feedClient, state entitystore.EntityState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	c.pending.Write(data)
	c.signal()
}

func (c *feedClient) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// readLoop discards client frames; it exists to process pongs and notice closure.
func (f *Feed) readLoop(c *feedClient) {
	defer f.wg.Done()
	defer f.remove(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) writeLoop(c *feedClient) {
	defer f.wg.Done()
	defer f.remove(c)

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.notify:
			for _, data := range c.pending.Drain() {
				_ = c.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

func (f *Feed) remove(c *feedClient) {
	c.once.Do(func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		if n := c.dropped.Load(); n > 0 {
			f.logger.Debug("Feed client fell behind", "dropped", n)
		}
	})
}
