package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/config"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/multiplexer"
	"github.com/c360/fleetstream/natsclient"
	"github.com/c360/fleetstream/transport/memory"
	redistransport "github.com/c360/fleetstream/transport/redis"
	wstransport "github.com/c360/fleetstream/transport/websocket"
)

// chdirTemp runs the test from a temporary directory so relative config paths resolve
// inside it.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func localConfig() *config.Config {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Transport.URL = ""
	cfg.Refdata.Kind = config.RefdataStatic
	cfg.HTTP.Addr = ""
	return cfg
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fleetstream version "+Version)
}

func TestValidateCommand(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fleet.yaml"), []byte(`
transport:
  kind: websocket
  url: ws://relay:9000/stream
refdata:
  kind: static
log:
  level: DEBUG
`), 0o600))

	out, err := execute(t, "validate", "--config", "fleet.yaml", "--log-format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")
	assert.Contains(t, out, "kind: websocket")
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, "format: text")
}

func TestValidateCommand_Rejects(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
transport:
  kind: carrier-pigeon
`), 0o600))

	_, err := execute(t, "validate", "--config", "bad.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.yaml"), []byte("refdata:\n  kind: static\n"), 0o600))
	_, err = execute(t, "validate", "--config", "ok.yaml", "--log-level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flags")
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, config.LogConfig{Level: "info", Format: "json"})
	logger.Debug("Hidden")
	logger.Info("Visible", "entity", "entity1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "Visible", record["msg"])
	assert.Equal(t, appName, record["service"])
	assert.Equal(t, Version, record["version"])
	assert.Equal(t, "entity1", record["entity"])
	assert.NotNil(t, record["pid"])

	buf.Reset()
	setupLogger(&buf, config.LogConfig{Level: "debug", Format: "text"}).Debug("Shown")
	assert.Contains(t, buf.String(), "msg=Shown")
}

func TestBuildTransport(t *testing.T) {
	redis := miniredis.RunT(t)

	tests := []struct {
		name     string
		cfg      config.TransportConfig
		check    func(t *testing.T, tr multiplexer.Transport)
		wantNATS bool
	}{
		{
			name: "memory",
			cfg:  config.TransportConfig{Kind: config.TransportMemory},
			check: func(t *testing.T, tr multiplexer.Transport) {
				assert.IsType(t, &memory.Transport{}, tr)
			},
		},
		{
			name: "websocket",
			cfg:  config.TransportConfig{Kind: config.TransportWebSocket, URL: "ws://relay:9000/stream", ReconnectAttempts: 2, ReconnectWait: time.Second},
			check: func(t *testing.T, tr multiplexer.Transport) {
				assert.IsType(t, &wstransport.Transport{}, tr)
			},
		},
		{
			name: "redis",
			cfg:  config.TransportConfig{Kind: config.TransportRedis, URL: "redis://" + redis.Addr(), ReconnectAttempts: 2, ReconnectWait: time.Second},
			check: func(t *testing.T, tr multiplexer.Transport) {
				assert.IsType(t, &redistransport.Transport{}, tr)
			},
		},
		{
			name: "nats",
			cfg:  config.TransportConfig{Kind: config.TransportNATS, URL: "nats://localhost:4222", ReconnectAttempts: 2, ReconnectWait: time.Second},
			check: func(t *testing.T, tr multiplexer.Transport) {
				assert.IsType(t, &natsclient.Transport{}, tr)
			},
			wantNATS: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tr, client, err := buildTransport(test.cfg, nil)
			require.NoError(t, err)
			test.check(t, tr)
			assert.Equal(t, test.wantNATS, client != nil)
		})
	}

	_, _, err := buildTransport(config.TransportConfig{Kind: "smoke"}, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestDaemon_LocalMode(t *testing.T) {
	cfg := localConfig()
	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool {
		status, ok := d.monitor.Get(healthTransport)
		return ok && status.IsHealthy()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := d.monitor.Get(healthZones)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	aggregate := d.monitor.AggregateHealth(appName)
	assert.Equal(t, health.StatusHealthy, aggregate.Status)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/entities/entity5/telemetry",
		strings.NewReader(`{"lat":1,"lng":2,"altitude_m":3,"speed_mps":4,"heading_deg":5}`))
	d.gateway.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Eventually(t, func() bool {
		state, ok := d.store.Get("entity5")
		return ok && state.Connected
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, multiplexer.StateDisconnected, d.mux.State())
}
