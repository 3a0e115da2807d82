package target

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/errcode"
)

// MemorySystem is an in-memory System implementation. It backs the built-in
// adapters and doubles as a controllable fake for tests via TakeOffline and
// FailNext.
type MemorySystem struct {
	name      entity.SourceSystem
	supported map[entity.Type]struct{}
	types     []entity.Type

	mu       sync.RWMutex
	entities map[string]*entity.UnifiedEntity
	records  []*entity.RawRecord
	online   bool
	failNext error
}

// NewMemorySystem creates an in-memory system accepting the given entity types
func NewMemorySystem(name entity.SourceSystem, types ...entity.Type) *MemorySystem {
	supported := make(map[entity.Type]struct{}, len(types))
	for _, t := range types {
		supported[t] = struct{}{}
	}
	return &MemorySystem{
		name:      name,
		supported: supported,
		types:     append([]entity.Type(nil), types...),
		entities:  make(map[string]*entity.UnifiedEntity),
		online:    true,
	}
}

// NewCalendarSystem creates the calendar adapter, accepting events and tasks
func NewCalendarSystem() *MemorySystem {
	return NewMemorySystem(entity.SystemCalendar, entity.TypeEvent, entity.TypeTask)
}

// NewV2System creates the v2 adapter, accepting projects and recommendations
func NewV2System() *MemorySystem {
	return NewMemorySystem(entity.SystemV2, entity.TypeProject, entity.TypeRecommendation)
}

// NewBuildupSystem creates the buildup adapter, accepting projects and KPIs
func NewBuildupSystem() *MemorySystem {
	return NewMemorySystem(entity.SystemBuildup, entity.TypeProject, entity.TypeKPI)
}

// Name returns the system's identifier
func (s *MemorySystem) Name() entity.SourceSystem {
	return s.name
}

// SupportedTypes returns the entity types the system accepts
func (s *MemorySystem) SupportedTypes() []entity.Type {
	return append([]entity.Type(nil), s.types...)
}

// Supports reports whether the system accepts the entity type
func (s *MemorySystem) Supports(entityType entity.Type) bool {
	_, ok := s.supported[entityType]
	return ok
}

// Create writes a new entity to the system
func (s *MemorySystem) Create(_ context.Context, e *entity.UnifiedEntity) error {
	if err := s.admit(e.Type); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.Clone()
	return nil
}

// Update overwrites an existing entity in the system. Updating an entity the
// system has never seen behaves as an upsert.
func (s *MemorySystem) Update(_ context.Context, e *entity.UnifiedEntity) error {
	if err := s.admit(e.Type); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e.Clone()
	return nil
}

// Delete removes an entity from the system. Deleting an unknown entity is
// not an error.
func (s *MemorySystem) Delete(_ context.Context, entityID string) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, entityID)
	return nil
}

// Get retrieves the system's copy of an entity
func (s *MemorySystem) Get(_ context.Context, entityID string) (*entity.UnifiedEntity, bool, error) {
	if err := s.checkAvailable(); err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return nil, false, nil
	}
	return e.Clone(), true, nil
}

// Ping checks whether the system is reachable
func (s *MemorySystem) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.online {
		return errcode.Newf(errcode.NetworkError, "system '%s' is offline", s.name)
	}
	return nil
}

// Len returns the number of entities the system holds
func (s *MemorySystem) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// AddRecord queues an inbound raw record for FetchRecords
func (s *MemorySystem) AddRecord(record *entity.RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// FetchRecords returns raw records produced after the given time, oldest first
func (s *MemorySystem) FetchRecords(_ context.Context, since time.Time) ([]*entity.RawRecord, error) {
	if err := s.checkAvailable(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*entity.RawRecord
	for _, r := range s.records {
		if r.Timestamp.After(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// TakeOffline marks the system unreachable; writes fail with a network error
func (s *MemorySystem) TakeOffline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = false
}

// BringOnline marks the system reachable again
func (s *MemorySystem) BringOnline() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = true
}

// FailNext makes the next write fail with the given error
func (s *MemorySystem) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// admit checks availability and the entity type whitelist before a write
func (s *MemorySystem) admit(entityType entity.Type) error {
	if err := s.checkAvailable(); err != nil {
		return err
	}
	if !s.Supports(entityType) {
		return errcode.Newf(errcode.UnsupportedEntity,
			"system '%s' does not accept entity type '%s'", s.name, entityType)
	}
	return nil
}

// checkAvailable returns the injected failure or an offline error, if any
func (s *MemorySystem) checkAvailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.online {
		return errcode.Newf(errcode.NetworkError, "system '%s' is offline", s.name)
	}
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	return nil
}
