package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/fleetstream/bridge"
	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/health"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/telemetry"
)

// DefaultMaxBodyBytes bounds telemetry posted over HTTP.
const DefaultMaxBodyBytes = 64 << 10

// Sender publishes raw payloads. *multiplexer.Multiplexer implements it.
type Sender interface {
	Send(subject string, data []byte)
}

// Server serves the read API, health, metrics and the live feed.
type Server struct {
	store    *entitystore.Store
	bridge   *bridge.Bridge
	sender   Sender
	monitor  *health.Monitor
	registry *metric.MetricsRegistry
	feed     *Feed
	logger   *slog.Logger

	maxBody     int64
	corsOrigins []string
}

// Option configures a Server
type Option func(*Server)

// WithBridge enables zone endpoints
func WithBridge(b *bridge.Bridge) Option {
	return func(s *Server) { s.bridge = b }
}

// WithSender enables POST /api/entities/{id}/telemetry
func WithSender(sender Sender) Option {
	return func(s *Server) { s.sender = sender }
}

// WithHealth serves the monitor's aggregate on /healthz
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithMetricsRegistry serves the registry on /metrics
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(s *Server) { s.registry = r }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCORSOrigins allows cross-origin reads from the given origins ("*" for any)
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithMaxBodyBytes bounds request bodies
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// New creates a Server reading from store. The live feed is attached to the store.
func New(store *entitystore.Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "check store")
	}

	s := &Server{
		store:   store,
		logger:  slog.Default(),
		maxBody: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	s.feed = NewFeed(store, s.logger)
	return s, nil
}

// Feed returns the live snapshot feed
func (s *Server) Feed() *Feed {
	return s.feed
}

// Close disconnects every feed client
func (s *Server) Close() {
	s.feed.Close()
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers("", mux)
	return s.middleware(mux)
}

// RegisterHTTPHandlers registers the routes under prefix on mux.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = strings.TrimSuffix(prefix, "/")

	mux.HandleFunc("GET "+prefix+"/api/entities", s.handleEntities)
	mux.HandleFunc("GET "+prefix+"/api/entities/{id}", s.handleEntity)
	mux.HandleFunc("GET "+prefix+"/api/entities/{id}/zones", s.handleEntityZones)
	mux.HandleFunc("POST "+prefix+"/api/entities/{id}/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET "+prefix+"/api/zones", s.handleZones)
	mux.HandleFunc("GET "+prefix+"/healthz", s.handleHealth)
	mux.HandleFunc("GET "+prefix+"/ws", s.feed.ServeHTTP)
	if s.registry != nil {
		mux.Handle("GET "+prefix+"/metrics", s.registry.Handler())
	}
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		if len(s.corsOrigins) > 0 {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "request_id", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range s.corsOrigins {
		if allowed != "*" && allowed != origin {
			continue
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
		return
	}
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.All())
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	state, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEntityZones(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "zones unavailable")
		return
	}
	report, err := s.bridge.CheckZones(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "zones unavailable")
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		zones, err := s.bridge.FetchZones(r.Context())
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, zones)
		return
	}
	writeJSON(w, http.StatusOK, s.bridge.Zones())
}

// handleTelemetry publishes a raw payload on the entity's subject. The payload is
// validated first so that HTTP callers get a 400 instead of a silent drop. With a bridge
// configured the entity is tracked before publishing.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry ingest unavailable")
		return
	}
	id := r.PathValue("id")
	if !bridge.ValidEntityID(id) {
		writeError(w, http.StatusBadRequest, "invalid entity id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if _, _, err := telemetry.Normalize(body); err != nil {
		s.writeErr(w, err)
		return
	}

	if s.bridge != nil {
		s.bridge.Track(id)
	}
	s.sender.Send(bridge.SubjectFor(id), body)
	writeJSON(w, http.StatusAccepted, map[string]string{"subject": bridge.SubjectFor(id)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy("fleetstream", "No health sources registered"))
		return
	}
	status := s.monitor.AggregateHealth("fleetstream")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := mapErrorToHTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "error", err)
	}
	writeError(w, code, sanitizeError(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message, "status": code})
}
