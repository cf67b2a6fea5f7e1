// Package bridge connects the multiplexer to the state store. It hydrates the store
// from the reference inventory, subscribes one telemetry subject per entity, and
// answers zone questions about tracked entities.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/paulmach/orb"
	"golang.org/x/time/rate"

	"github.com/c360/fleetstream/entitystore"
	"github.com/c360/fleetstream/errors"
	"github.com/c360/fleetstream/geofence"
	"github.com/c360/fleetstream/metric"
	"github.com/c360/fleetstream/multiplexer"
	"github.com/c360/fleetstream/refdata"
	"github.com/c360/fleetstream/telemetry"
)

// ErrEntityNotFound is returned for zone checks on an unknown entity.
var ErrEntityNotFound = fmt.Errorf("entity %w", errors.ErrKeyNotFound)

// Subscriber is the part of the multiplexer the bridge uses.
type Subscriber interface {
	Subscribe(subject string, cb multiplexer.Callback) multiplexer.SubscriptionID
	Unsubscribe(subject string, id multiplexer.SubscriptionID) bool
}

// SubjectFor returns the telemetry subject of an entity.
func SubjectFor(entityID string) string {
	return "entity." + entityID + ".telemetry"
}

// ValidEntityID reports whether id can be embedded in a subject as a single token.
// Separators, wildcards and whitespace are rejected.
func ValidEntityID(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsFunc(id, func(r rune) bool {
		return r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

// EntityFromSubject is the inverse of SubjectFor.
func EntityFromSubject(subject string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, "entity.")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".telemetry")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// ZoneReport describes an entity's position relative to the cached zones.
type ZoneReport struct {
	EntityID     string   `json:"entityId"`
	HasPosition  bool     `json:"hasPosition"`
	Inside       bool     `json:"inside"`
	DistanceM    *float64 `json:"distanceM"`
	NearBoundary bool     `json:"nearBoundary"`
}

// Bridge is the glue between transport, normalizer, store and geofence.
type Bridge struct {
	mux       Subscriber
	store     *entitystore.Store
	provider  refdata.Provider
	evaluator *geofence.Evaluator
	buffer    float64
	logger    *slog.Logger
	metrics   *metric.Metrics
	dropLog   rate.Sometimes

	mu      sync.Mutex
	tracked map[string]multiplexer.SubscriptionID
	zones   []geofence.Zone
}

// Option configures a Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records accepted and rejected telemetry
func WithMetrics(metrics *metric.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithEvaluator sets the evaluator used by CheckZones
func WithEvaluator(e *geofence.Evaluator) Option {
	return func(b *Bridge) {
		if e != nil {
			b.evaluator = e
		}
	}
}

// WithBufferMeters sets the near-boundary buffer used by CheckZones
func WithBufferMeters(m float64) Option {
	return func(b *Bridge) {
		if m > 0 {
			b.buffer = m
		}
	}
}

// New creates a Bridge
func New(mux Subscriber, store *entitystore.Store, provider refdata.Provider, opts ...Option) (*Bridge, error) {
	if mux == nil || store == nil || provider == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Bridge", "New", "check dependencies")
	}

	b := &Bridge{
		mux:      mux,
		store:    store,
		provider: provider,
		buffer:   geofence.DefaultBufferMeters,
		logger:   slog.Default(),
		dropLog:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
		tracked:  make(map[string]multiplexer.SubscriptionID),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	if b.evaluator == nil {
		b.evaluator = geofence.NewEvaluator(geofence.WithLogger(b.logger), geofence.WithMetrics(b.metrics))
	}
	return b, nil
}

// Hydrate loads the inventory into the store and tracks every inventoried entity.
// On a fetch error the store is left untouched and the error is returned.
func (b *Bridge) Hydrate(ctx context.Context) (int, error) {
	items, err := b.provider.Inventory(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "Bridge", "Hydrate", "fetch inventory")
	}

	created := b.store.Hydrate(items)
	for _, item := range items {
		b.Track(entitystore.DeriveID(item.ReferenceID))
	}

	b.logger.Debug("Tracking inventory", "inventory", len(items), "created", created)
	return created, nil
}

// Track subscribes the telemetry subject of entityID. It returns false when the
// entity is already tracked or the ID is not a valid subject token.
func (b *Bridge) Track(entityID string) bool {
	if !ValidEntityID(entityID) {
		b.logger.Warn("Refusing to track invalid entity ID", "entity", entityID)
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tracked[entityID]; ok {
		return false
	}
	b.tracked[entityID] = b.mux.Subscribe(SubjectFor(entityID), b.handler(entityID))
	return true
}

// Untrack removes the telemetry subscription of entityID. The entity stays in the store.
func (b *Bridge) Untrack(entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.tracked[entityID]
	if !ok {
		return false
	}
	delete(b.tracked, entityID)
	return b.mux.Unsubscribe(SubjectFor(entityID), id)
}

// Tracked returns the tracked entity IDs in sorted order.
func (b *Bridge) Tracked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.tracked))
	for id := range b.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Bridge) handler(entityID string) multiplexer.Callback {
	return func(payload []byte) {
		delta, format, err := telemetry.Normalize(payload)
		if err != nil {
			label := string(format)
			if label == "" {
				label = "unknown"
			}
			b.metrics.RecordTelemetry(label, false)
			b.dropLog.Do(func() {
				b.logger.Debug("Dropping invalid telemetry", "entity", entityID, "error", err)
			})
			return
		}
		b.store.Upsert(entityID, delta)
		b.metrics.RecordTelemetry(string(format), true)
	}
}

// FetchZones refreshes the zone cache from the provider. On error the previous cache
// is kept and the error is returned.
func (b *Bridge) FetchZones(ctx context.Context) ([]geofence.Zone, error) {
	zones, err := b.provider.Zones(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Bridge", "FetchZones", "fetch zones")
	}

	if bad := b.evaluator.Validate(zones); len(bad) > 0 {
		b.logger.Warn("Zones with malformed geometry will be skipped", "count", len(bad))
	}

	b.mu.Lock()
	b.zones = zones
	b.mu.Unlock()
	return append([]geofence.Zone(nil), zones...), nil
}

// Zones returns the cached zones from the last successful FetchZones.
func (b *Bridge) Zones() []geofence.Zone {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]geofence.Zone(nil), b.zones...)
}

// CheckZones evaluates the current position of entityID against the cached zones.
func (b *Bridge) CheckZones(entityID string) (ZoneReport, error) {
	state, ok := b.store.Get(entityID)
	if !ok {
		return ZoneReport{}, errors.WrapInvalid(ErrEntityNotFound, "Bridge", "CheckZones", "look up "+entityID)
	}

	report := ZoneReport{EntityID: entityID}
	if !state.HasPosition() {
		return report, nil
	}
	report.HasPosition = true

	point := orb.Point{*state.Position.Lng, *state.Position.Lat}
	zones := b.Zones()

	report.Inside = b.evaluator.PointInAnyPolygon(point, zones)
	if d, ok := b.evaluator.DistanceToBoundary(point, zones); ok {
		report.DistanceM = &d
		report.NearBoundary = d < b.buffer
	}
	return report, nil
}
