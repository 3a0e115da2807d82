package entity

import (
	"fmt"
	"sync"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

// Store holds the unified entity population. Implementations must be safe
// for concurrent use: the engine tick loop, externally triggered syncs, and
// the transformation engine all read and write it.
type Store interface {
	// Get returns a copy of the entity with the given id
	Get(id string) (*UnifiedEntity, bool)

	// Put inserts or replaces an entity. It enforces two invariants:
	// SourceType never changes after creation, and UpdatedAt never moves
	// backwards for the same id.
	Put(e *UnifiedEntity) error

	// Delete removes an entity by id
	Delete(id string)

	// List returns copies of all entities, in unspecified order
	List() []*UnifiedEntity

	// ListByType returns copies of all entities of the given type
	ListByType(t Type) []*UnifiedEntity

	// Len returns the number of stored entities
	Len() int
}

// memoryStore is a mutex-guarded in-memory Store
type memoryStore struct {
	mu       sync.RWMutex
	entities map[string]*UnifiedEntity
}

// NewMemoryStore creates an empty in-memory entity store
func NewMemoryStore() Store {
	return &memoryStore{
		entities: make(map[string]*UnifiedEntity),
	}
}

// Get returns a copy of the entity with the given id
func (s *memoryStore) Get(id string) (*UnifiedEntity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Put inserts or replaces an entity, enforcing provenance immutability and
// updatedAt monotonicity
func (s *memoryStore) Put(e *UnifiedEntity) error {
	if e == nil {
		return fmt.Errorf("entity cannot be nil")
	}
	if e.ID == "" {
		return fmt.Errorf("entity id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entities[e.ID]; ok {
		if existing.Provenance.SourceType != e.Provenance.SourceType {
			return fmt.Errorf("entity %s: sourceType is immutable (%s -> %s)",
				e.ID, existing.Provenance.SourceType, e.Provenance.SourceType)
		}
		if e.UpdatedAt.Before(existing.UpdatedAt) {
			return fmt.Errorf("entity %s: updatedAt must be monotonically non-decreasing", e.ID)
		}
	}

	s.entities[e.ID] = e.Clone()
	return nil
}

// Delete removes an entity by id
func (s *memoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
}

// List returns copies of all entities
func (s *memoryStore) List() []*UnifiedEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*UnifiedEntity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	return out
}

// ListByType returns copies of all entities of the given type
func (s *memoryStore) ListByType(t Type) []*UnifiedEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UnifiedEntity
	for _, e := range s.entities {
		if e.Type == t {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Len returns the number of stored entities
func (s *memoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}
