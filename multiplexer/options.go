package multiplexer

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/pkg/retry"
)

// Defaults for the connection lifecycle.
const (
	DefaultGracePeriod   = 3 * time.Second
	DefaultOpenAttempts  = 5
	DefaultOpenRetryWait = time.Second
)

// Option is a functional option for configuring the Multiplexer
type Option func(*Multiplexer) error

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Multiplexer) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Multiplexer) error {
		m.metrics = metrics
		return nil
	}
}

// WithGracePeriod sets how long a connection attempt may stay in connecting before the
// state becomes error.
func WithGracePeriod(d time.Duration) Option {
	return func(m *Multiplexer) error {
		if d <= 0 {
			return fmt.Errorf("grace period must be positive, got %v", d)
		}
		m.gracePeriod = d
		return nil
	}
}

// WithOpenRetry sets the retry budget for Transport.Open failures.
func WithOpenRetry(cfg retry.Config) Option {
	return func(m *Multiplexer) error {
		if cfg.MaxAttempts < 1 {
			return fmt.Errorf("open retry needs at least one attempt, got %d", cfg.MaxAttempts)
		}
		m.openRetry = cfg
		return nil
	}
}

// WithMaxQueued bounds the outbound queue. When full, the oldest message is dropped.
// Zero, the default, leaves the queue unbounded.
func WithMaxQueued(n int) Option {
	return func(m *Multiplexer) error {
		if n < 0 {
			return fmt.Errorf("max queued cannot be negative, got %d", n)
		}
		m.maxQueued = n
		return nil
	}
}
