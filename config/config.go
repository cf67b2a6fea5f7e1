package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/refdata"
)

// Transport kinds
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportMemory    = "memory"
)

// Reference data kinds
const (
	RefdataKV     = "kv"
	RefdataStatic = "static"
)

// Config is the daemon configuration
type Config struct {
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Refdata   RefdataConfig   `yaml:"refdata" json:"refdata"`
	Geofence  GeofenceConfig  `yaml:"geofence" json:"geofence"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// TransportConfig selects and tunes the multiplexer transport
type TransportConfig struct {
	Kind              string        `yaml:"kind" json:"kind"`
	URL               string        `yaml:"url" json:"url"`
	GracePeriod       time.Duration `yaml:"grace_period" json:"grace_period" split_words:"true"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" json:"reconnect_attempts" split_words:"true"`
	ReconnectWait     time.Duration `yaml:"reconnect_wait" json:"reconnect_wait" split_words:"true"`
	MaxQueued         int           `yaml:"max_queued" json:"max_queued" split_words:"true"` // 0 = unbounded
}

// RefdataConfig selects where inventory and zones come from
type RefdataConfig struct {
	Kind            string `yaml:"kind" json:"kind"`
	InventoryBucket string `yaml:"inventory_bucket" json:"inventory_bucket" split_words:"true"`
	ZonesBucket     string `yaml:"zones_bucket" json:"zones_bucket" split_words:"true"`
}

// GeofenceConfig tunes zone evaluation
type GeofenceConfig struct {
	BufferMeters float64 `yaml:"buffer_meters" json:"buffer_meters" split_words:"true"`
}

// HTTPConfig configures the read API
type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:              TransportNATS,
			URL:               "nats://localhost:4222",
			GracePeriod:       3 * time.Second,
			ReconnectAttempts: 5,
			ReconnectWait:     time.Second,
		},
		Refdata: RefdataConfig{
			Kind:            RefdataKV,
			InventoryBucket: refdata.DefaultInventoryBucket,
			ZonesBucket:     refdata.DefaultZonesBucket,
		},
		Geofence: GeofenceConfig{BufferMeters: 50},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the configuration and normalizes case-insensitive fields.
func (c *Config) Validate() error {
	c.Transport.Kind = strings.ToLower(c.Transport.Kind)
	c.Refdata.Kind = strings.ToLower(c.Refdata.Kind)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	if err := c.validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "check configuration")
	}
	return nil
}

func (c *Config) validate() error {
	t := c.Transport
	switch t.Kind {
	case TransportNATS, TransportWebSocket, TransportRedis:
		if err := validateURL(t.Kind, t.URL); err != nil {
			return err
		}
	case TransportMemory:
	default:
		return fmt.Errorf("transport.kind %q is not one of nats, websocket, redis, memory", t.Kind)
	}
	if t.GracePeriod <= 0 {
		return fmt.Errorf("transport.grace_period must be positive, got %s", t.GracePeriod)
	}
	if t.ReconnectAttempts < 1 {
		return fmt.Errorf("transport.reconnect_attempts must be at least 1, got %d", t.ReconnectAttempts)
	}
	if t.ReconnectWait < 0 {
		return fmt.Errorf("transport.reconnect_wait cannot be negative, got %s", t.ReconnectWait)
	}
	if t.MaxQueued < 0 {
		return fmt.Errorf("transport.max_queued cannot be negative, got %d", t.MaxQueued)
	}

	switch c.Refdata.Kind {
	case RefdataKV:
		if t.Kind != TransportNATS {
			return fmt.Errorf("refdata.kind kv requires the nats transport, got %s", t.Kind)
		}
		if c.Refdata.InventoryBucket == "" || c.Refdata.ZonesBucket == "" {
			return fmt.Errorf("refdata buckets are required for kind kv")
		}
	case RefdataStatic:
	default:
		return fmt.Errorf("refdata.kind %q is not one of kv, static", c.Refdata.Kind)
	}

	if c.Geofence.BufferMeters <= 0 {
		return fmt.Errorf("geofence.buffer_meters must be positive, got %g", c.Geofence.BufferMeters)
	}

	if c.HTTP.Addr != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
			return fmt.Errorf("http.addr %q: %v", c.HTTP.Addr, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level %q: %v", c.Log.Level, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("log.format %q is not one of json, text", c.Log.Format)
	}
	return nil
}

var urlSchemes = map[string][]string{
	TransportNATS:      {"nats", "tls"},
	TransportWebSocket: {"ws", "wss"},
	TransportRedis:     {"redis", "rediss", "unix"},
}

func validateURL(kind, raw string) error {
	if raw == "" {
		return fmt.Errorf("transport.url is required for kind %s", kind)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("transport.url: %v", err)
	}
	for _, scheme := range urlSchemes[kind] {
		if u.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("transport.url scheme %q is not valid for %s (want %s)",
		u.Scheme, kind, strings.Join(urlSchemes[kind], ", "))
}

// SlogLevel returns the configured log level. Call after Validate.
func (l LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(l.Level))
	return level
}
