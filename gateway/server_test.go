package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fleetstream/bridge"
	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/geofence"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/multiplexer"
	"github.com/c360/fleetstream/refdata"
	"github.com/c360/fleetstream/transport/memory"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]byte
}

func (r *recordingSender) Send(subject string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = make(map[string][]byte)
	}
	r.sent[subject] = data
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	return newTestServerWithStore(t, entitystore.New(), opts...)
}

func newTestServerWithStore(t *testing.T, store *entitystore.Store, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(store, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func newBridge(t *testing.T, store *entitystore.Store, provider refdata.Provider) *bridge.Bridge {
	t.Helper()
	mux, err := multiplexer.New(memory.New(memory.NewHub()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mux.Close() })

	b, err := bridge.New(mux, store, provider)
	require.NoError(t, err)
	return b
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func ptr(v float64) *float64 { return &v }

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestEntities(t *testing.T) {
	store := entitystore.New()
	store.Hydrate([]entitystore.InventoryItem{{ReferenceID: "2", Name: "Heron"}})
	store.Upsert("entity1", entitystore.Delta{Position: &entitystore.Position{Lat: ptr(1), Lng: ptr(2)}})
	_, ts := newTestServerWithStore(t, store)

	var all []entitystore.EntityState
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/entities", &all))
	require.Len(t, all, 2)
	assert.Equal(t, "entity1", all[0].ID)
	assert.True(t, all[0].Connected)
	assert.Equal(t, "entity2", all[1].ID)
	assert.False(t, all[1].Connected)

	var one entitystore.EntityState
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/entities/entity1", &one))
	assert.Equal(t, 1.0, *one.Position.Lat)

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/entities/nope", &body))
	assert.Equal(t, "entity not found", body["error"])
}

func TestZones(t *testing.T) {
	doc, err := geofence.PolygonFromDrawn(orb.Ring{{-5, -5}, {-5, 5}, {5, 5}, {5, -5}})
	require.NoError(t, err)
	provider := &refdata.Static{ZoneList: []geofence.Zone{{ID: "square", ZoneType: geofence.ZonePolygon, Geometry: doc}}}

	store := entitystore.New()
	b := newBridge(t, store, provider)
	_, ts := newTestServerWithStore(t, store, WithBridge(b))

	var zones []geofence.Zone
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/zones", &zones))
	assert.Empty(t, zones)

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/zones?refresh=true", &zones))
	require.Len(t, zones, 1)
	assert.Equal(t, "square", zones[0].ID)

	store.Upsert("entity1", entitystore.Delta{Position: &entitystore.Position{Lat: ptr(0), Lng: ptr(0)}})
	var report bridge.ZoneReport
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/entities/entity1/zones", &report))
	assert.True(t, report.HasPosition)
	assert.True(t, report.Inside)
	assert.False(t, report.NearBoundary)

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/entities/ghost/zones", &body))
}

func TestZones_WithoutBridge(t *testing.T) {
	_, ts := newTestServer(t)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/zones", nil))
}

func TestTelemetry(t *testing.T) {
	sender := &recordingSender{}
	_, ts := newTestServer(t, WithSender(sender), WithMaxBodyBytes(512))

	post := func(id, body string) *http.Response {
		resp, err := http.Post(ts.URL+"/api/entities/"+id+"/telemetry", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	payload := `{"lat":1,"lng":2,"altitude_m":3,"speed_mps":4,"heading_deg":5}`
	resp := post("entity7", payload)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, payload, string(sender.sent["entity.entity7.telemetry"]))

	resp = post("entity7", `{"lat":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "invalid telemetry", body["error"])

	resp = post("entity7", `{"pad":"`+strings.Repeat("x", 1024)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Len(t, sender.sent, 1)
}

func TestTelemetry_RejectsSubjectTokens(t *testing.T) {
	sender := &recordingSender{}
	_, ts := newTestServer(t, WithSender(sender))

	payload := `{"lat":1,"lng":2,"altitude_m":3,"speed_mps":4,"heading_deg":5}`
	for _, id := range []string{"%2A", "%3E", "a.b", "entity%201", "entity%09"} {
		resp, err := http.Post(ts.URL+"/api/entities/"+id+"/telemetry", "application/json", strings.NewReader(payload))
		require.NoError(t, err)

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, id)
		assert.Equal(t, "invalid entity id", body["error"], id)
	}
	assert.Empty(t, sender.sent)
}

func TestTelemetry_WithoutSender(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/entities/entity1/telemetry", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	monitor := health.NewMonitor()
	monitor.Update("transport", health.NewHealthy("transport", "Transport connected"))
	_, ts := newTestServer(t, WithHealth(monitor))

	var status health.Status
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &status))
	assert.True(t, status.IsHealthy())

	monitor.Update("transport", health.NewUnhealthy("transport", "Transport error"))
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/healthz", &status))
	assert.True(t, status.IsUnhealthy())
}

func TestMetricsEndpoint(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordTelemetry("generic", true)
	_, ts := newTestServer(t, WithMetricsRegistry(registry))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "telemetry")
}

func TestMiddleware(t *testing.T) {
	_, ts := newTestServer(t, WithCORSOrigins("https://ops.example"))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/entities", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ops.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ops.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/api/entities", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://elsewhere.example")
	req.Header.Set("X-Request-ID", "req-1")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "req-1", resp2.Header.Get("X-Request-ID"))
}

func TestFeed(t *testing.T) {
	store := entitystore.New()
	store.Hydrate([]entitystore.InventoryItem{{ReferenceID: "1"}})
	srv, ts := newTestServerWithStore(t, store)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() entitystore.EntityState {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var state entitystore.EntityState
		require.NoError(t, conn.ReadJSON(&state))
		return state
	}

	first := read()
	assert.Equal(t, "entity1", first.ID)
	assert.False(t, first.Connected)
	assert.Equal(t, 1, srv.Feed().Clients())

	store.Upsert("entity1", entitystore.Delta{Position: &entitystore.Position{Lat: ptr(3), Lng: ptr(4)}})
	update := read()
	assert.Equal(t, "entity1", update.ID)
	assert.True(t, update.Connected)
	assert.Equal(t, 3.0, *update.Position.Lat)

	srv.Close()
	assert.Zero(t, srv.Feed().Clients())
}

func TestTelemetry_LoopsBackThroughBridge(t *testing.T) {
	mux, err := multiplexer.New(memory.New(memory.NewHub()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mux.Close() })
	require.NoError(t, mux.Connect(context.Background()))
	require.Eventually(t, func() bool { return mux.State() == multiplexer.StateConnected }, time.Second, time.Millisecond)

	store := entitystore.New()
	b, err := bridge.New(mux, store, &refdata.Static{})
	require.NoError(t, err)
	_, ts := newTestServerWithStore(t, store, WithBridge(b), WithSender(mux))

	resp, err := http.Post(ts.URL+"/api/entities/entity3/telemetry", "application/json",
		strings.NewReader(`{"lat":10,"lng":20,"altitude_m":30,"speed_mps":1,"heading_deg":90}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"entity3"}, b.Tracked())

	require.Eventually(t, func() bool {
		state, ok := store.Get("entity3")
		return ok && state.Connected
	}, time.Second, 5*time.Millisecond)
}
