package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, 3*time.Second, cfg.Transport.GracePeriod)
	assert.Equal(t, 5, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Transport.ReconnectWait)
	assert.Zero(t, cfg.Transport.MaxQueued)
	assert.Equal(t, 50.0, cfg.Geofence.BufferMeters)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "fleetstream.yaml", `
transport:
  kind: redis
  url: redis://localhost:6379/0
  grace_period: 5s
  max_queued: 100
refdata:
  kind: static
log:
  level: DEBUG
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Transport.URL)
	assert.Equal(t, 5*time.Second, cfg.Transport.GracePeriod)
	assert.Equal(t, 100, cfg.Transport.MaxQueued)
	assert.Equal(t, 5, cfg.Transport.ReconnectAttempts, "unset keys keep their defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "fleetstream.json", `{
		"transport": {"kind": "websocket", "url": "wss://relay.example/ws", "reconnect_wait": "250ms"},
		"refdata": {"kind": "static"},
		"http": {"addr": "127.0.0.1:9090"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportWebSocket, cfg.Transport.Kind)
	assert.Equal(t, 250*time.Millisecond, cfg.Transport.ReconnectWait)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "fleetstream.yaml", "transport:\n  kind: memory\nrefdata:\n  kind: static\n")
	t.Setenv("FLEETSTREAM_TRANSPORT_GRACE_PERIOD", "7s")
	t.Setenv("FLEETSTREAM_GEOFENCE_BUFFER_METERS", "75.5")
	t.Setenv("FLEETSTREAM_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TransportMemory, cfg.Transport.Kind)
	assert.Equal(t, 7*time.Second, cfg.Transport.GracePeriod)
	assert.Equal(t, 75.5, cfg.Geofence.BufferMeters)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_CustomEnvPrefix(t *testing.T) {
	t.Setenv("DRONES_TRANSPORT_KIND", "memory")
	t.Setenv("DRONES_REFDATA_KIND", "static")

	cfg, err := NewLoader().WithEnvPrefix("DRONES").Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportMemory, cfg.Transport.Kind)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{"missing file", func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{"bad extension", func(t *testing.T) string { return writeFile(t, "cfg.toml", "x = 1") }},
		{"bad yaml", func(t *testing.T) string { return writeFile(t, "cfg.yaml", "transport: [") }},
		{"deep json", func(t *testing.T) string {
			return writeFile(t, "cfg.json", strings.Repeat("[", 40)+strings.Repeat("]", 40))
		}},
		{"invalid values", func(t *testing.T) string { return writeFile(t, "cfg.yaml", "transport:\n  kind: carrier-pigeon\n") }},
		{"directory", func(t *testing.T) string {
			dir := filepath.Join(t.TempDir(), "dir.yaml")
			require.NoError(t, os.Mkdir(dir, 0o700))
			return dir
		}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(test.path(t))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("FLEETSTREAM_TRANSPORT_GRACE_PERIOD", "soon")
	_, err := Load("")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"default", func(*Config) {}, true},
		{"upper case kind", func(c *Config) { c.Transport.Kind = "NATS" }, true},
		{"memory needs no url", func(c *Config) {
			c.Transport.Kind = TransportMemory
			c.Transport.URL = ""
			c.Refdata.Kind = RefdataStatic
		}, true},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "udp" }, false},
		{"missing url", func(c *Config) { c.Transport.URL = "" }, false},
		{"wrong scheme", func(c *Config) { c.Transport.URL = "http://localhost:4222" }, false},
		{"websocket scheme", func(c *Config) {
			c.Transport.Kind = TransportWebSocket
			c.Transport.URL = "ws://localhost/ws"
			c.Refdata.Kind = RefdataStatic
		}, true},
		{"kv needs nats", func(c *Config) { c.Transport.Kind = TransportRedis; c.Transport.URL = "redis://localhost" }, false},
		{"zero grace", func(c *Config) { c.Transport.GracePeriod = 0 }, false},
		{"zero attempts", func(c *Config) { c.Transport.ReconnectAttempts = 0 }, false},
		{"negative queue", func(c *Config) { c.Transport.MaxQueued = -1 }, false},
		{"missing bucket", func(c *Config) { c.Refdata.ZonesBucket = "" }, false},
		{"unknown refdata", func(c *Config) { c.Refdata.Kind = "sql" }, false},
		{"zero buffer", func(c *Config) { c.Geofence.BufferMeters = 0 }, false},
		{"bad addr", func(c *Config) { c.HTTP.Addr = "8080" }, false},
		{"empty addr disables http", func(c *Config) { c.HTTP.Addr = "" }, true},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }, false},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Transport.GracePeriod = 1500 * time.Millisecond

	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "grace_period: 1.5s")

	path := writeFile(t, "roundtrip.yaml", string(data))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLogConfig_SlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LogConfig{Level: "debug"}.SlogLevel().String())
	assert.Equal(t, "ERROR", LogConfig{Level: "error"}.SlogLevel().String())
}
