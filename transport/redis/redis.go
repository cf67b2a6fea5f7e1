// Package redis provides a multiplexer transport over Redis pub/sub. Channels are subjects.
package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/multiplexer"
)

// Config configures the transport.
type Config struct {
	URL               string // redis://[:password@]host:port/db
	ReconnectAttempts int
	ReconnectWait     time.Duration
	PollInterval      time.Duration // receive timeout between liveness pings
	Logger            *slog.Logger
}

// DefaultConfig returns the configuration for url with the default reconnect budget.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectWait:     time.Second,
		PollInterval:      time.Second,
	}
}

// Transport is a multiplexer.Transport over one Redis pub/sub connection.
type Transport struct {
	cfg    Config
	client *redis.Client
	logger *slog.Logger

	mu       sync.Mutex
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	delivers map[string]func([]byte)
	closed   bool
	wg       sync.WaitGroup
}

// New parses cfg.URL and creates the transport. It does not connect until Open.
func New(cfg Config) (*Transport, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.WrapInvalid(err, "RedisTransport", "New", "parse redis url")
	}
	defaults := DefaultConfig(cfg.URL)
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		cfg:      cfg,
		client:   redis.NewClient(opts),
		logger:   logger.With("component", "redis_transport", "addr", opts.Addr),
		delivers: make(map[string]func([]byte)),
	}, nil
}

// Open verifies the server is reachable and starts receiving.
func (t *Transport) Open(ctx context.Context, events multiplexer.Events) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "RedisTransport", "Open", "connect")
	}
	t.mu.Unlock()

	if err := t.client.Ping(ctx).Err(); err != nil {
		return errors.WrapTransient(err, "RedisTransport", "Open", "ping server")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	pubsub := t.client.Subscribe(loopCtx)

	t.mu.Lock()
	if t.pubsub != nil {
		_ = t.pubsub.Close()
		t.cancel()
	}
	t.pubsub = pubsub
	t.cancel = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go t.receive(loopCtx, pubsub, events)

	t.logger.Info("Connected to redis")
	if events.OnConnected != nil {
		events.OnConnected()
	}
	return nil
}

// Listen subscribes to the channel named subject.
func (t *Transport) Listen(subject string, deliver func([]byte)) error {
	t.mu.Lock()
	t.delivers[subject] = deliver
	pubsub := t.pubsub
	t.mu.Unlock()

	if pubsub == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "RedisTransport", "Listen", "subscribe "+subject)
	}
	if err := pubsub.Subscribe(context.Background(), subject); err != nil {
		return errors.WrapTransient(err, "RedisTransport", "Listen", "subscribe "+subject)
	}
	return nil
}

// Unlisten unsubscribes from the channel named subject.
func (t *Transport) Unlisten(subject string) error {
	t.mu.Lock()
	delete(t.delivers, subject)
	pubsub := t.pubsub
	t.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	if err := pubsub.Unsubscribe(context.Background(), subject); err != nil {
		return errors.WrapTransient(err, "RedisTransport", "Unlisten", "unsubscribe "+subject)
	}
	return nil
}

// Publish implements multiplexer.Transport.
func (t *Transport) Publish(subject string, data []byte) error {
	if err := t.client.Publish(context.Background(), subject, data).Err(); err != nil {
		return errors.WrapTransient(err, "RedisTransport", "Publish", "publish "+subject)
	}
	return nil
}

// Close stops receiving and closes the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pubsub := t.pubsub
	cancel := t.cancel
	t.pubsub = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	t.wg.Wait()

	if err := t.client.Close(); err != nil {
		return errors.Wrap(err, "RedisTransport", "Close", "close client")
	}
	return nil
}

// receive delivers messages and tracks connectivity. go-redis re-establishes the pub/sub
// connection and its channels on the next receive after a failure; a failure streak longer
// than the reconnect budget is reported as OnError.
func (t *Transport) receive(ctx context.Context, pubsub *redis.PubSub, events multiplexer.Events) {
	defer t.wg.Done()

	connected := true
	failures := 0

	for {
		msg, err := pubsub.ReceiveTimeout(ctx, t.cfg.PollInterval)
		if err != nil && isTimeout(err) {
			err = pubsub.Ping(ctx)
		}
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			if connected {
				connected = false
				t.logger.Warn("Redis connection lost", "error", err)
				if events.OnDisconnected != nil {
					events.OnDisconnected(err)
				}
				if t.cfg.ReconnectAttempts > 0 && events.OnConnecting != nil {
					events.OnConnecting()
				}
			}
			failures++
			if failures > t.cfg.ReconnectAttempts {
				t.logger.Error("Redis reconnect attempts exhausted", "attempts", failures-1)
				if events.OnError != nil {
					events.OnError(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err))
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.ReconnectWait):
			}
			continue
		}

		if !connected {
			connected = true
			failures = 0
			t.logger.Info("Redis connection restored")
			if events.OnConnected != nil {
				events.OnConnected()
			}
		}

		if m, ok := msg.(*redis.Message); ok {
			t.mu.Lock()
			deliver := t.delivers[m.Channel]
			t.mu.Unlock()
			if deliver != nil {
				deliver([]byte(m.Payload))
			}
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
