package entitystore

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/fleetstream/metric"
)

// UpsertListener receives a copy of a snapshot after it was updated.
type UpsertListener func(state EntityState)

// Store is the keyed map of entity snapshots. Snapshots are created on first reference
// and never removed.
type Store struct {
	mu        sync.RWMutex
	entities  map[string]*EntityState
	connected int

	now       func() time.Time
	logger    *slog.Logger
	metrics   *metric.Metrics
	listeners []UpsertListener
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now for LastUpdate.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records entity gauges.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		entities: make(map[string]*EntityState),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnUpsert registers a listener called after every Upsert, outside the lock.
func (s *Store) OnUpsert(fn UpsertListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Upsert merges delta into the snapshot of id, creating it if needed. Every supplied
// group replaces the existing group wholesale. The snapshot is always marked connected
// with LastUpdate set to now.
func (s *Store) Upsert(id string, delta Delta) EntityState {
	s.mu.Lock()
	entity, ok := s.entities[id]
	if !ok {
		entity = &EntityState{ID: id}
		s.entities[id] = entity
		s.logger.Debug("Entity created by telemetry", "component", "entitystore", "entity", id)
	}

	if delta.MissionID != nil {
		entity.MissionID = clonePtr(delta.MissionID)
	}
	if delta.Position != nil {
		entity.Position = delta.Position.Clone()
	}
	if delta.Motion != nil {
		entity.Motion = delta.Motion.Clone()
	}
	if delta.Battery != nil {
		entity.Battery = delta.Battery.Clone()
	}
	if delta.System != nil {
		entity.System = delta.System.Clone()
	}

	if !entity.Connected {
		entity.Connected = true
		s.connected++
	}
	entity.LastUpdate = s.now()

	snapshot := entity.Clone()
	listeners := s.listeners
	s.metrics.RecordEntities(len(s.entities), s.connected)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot.Clone())
	}
	return snapshot
}

// Hydrate creates a disconnected snapshot, keyed by DeriveID, for every inventory item not
// yet present. Existing snapshots are never touched. It returns the number created.
func (s *Store) Hydrate(items []InventoryItem) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, item := range items {
		id := DeriveID(item.ReferenceID)
		if _, exists := s.entities[id]; exists {
			continue
		}
		s.entities[id] = &EntityState{
			ID:        id,
			Name:      item.Name,
			MissionID: clonePtr(item.MissionID),
		}
		created++
	}

	s.metrics.RecordEntities(len(s.entities), s.connected)
	if created > 0 {
		s.logger.Info("Hydrated entities from inventory",
			"component", "entitystore", "created", created, "inventory", len(items))
	}
	return created
}

// Get returns a copy of the snapshot of id.
func (s *Store) Get(id string) (EntityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	if !ok {
		return EntityState{}, false
	}
	return entity.Clone(), true
}

// All returns copies of every snapshot ordered by id.
func (s *Store) All() []EntityState {
	s.mu.RLock()
	out := make([]EntityState, 0, len(s.entities))
	for _, entity := range s.entities {
		out = append(out, entity.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// ConnectedCount returns the number of snapshots that received telemetry.
func (s *Store) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}
