// Package target defines the interface for sync target systems and
// provides the built-in in-memory adapters.
package target

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unisync/unisync/internal/entity"
)

//go:generate mockgen -destination=mocks/mock_system.go -package=mocks -source=system.go System

// System is a target that sync operations are dispatched to. Implementations
// must reject entity types outside their whitelist.
type System interface {
	// Name returns the system's identifier
	Name() entity.SourceSystem

	// SupportedTypes returns the entity types the system accepts
	SupportedTypes() []entity.Type

	// Supports reports whether the system accepts the entity type
	Supports(entityType entity.Type) bool

	// Create writes a new entity to the system
	Create(ctx context.Context, e *entity.UnifiedEntity) error

	// Update overwrites an existing entity in the system
	Update(ctx context.Context, e *entity.UnifiedEntity) error

	// Delete removes an entity from the system
	Delete(ctx context.Context, entityID string) error

	// Get retrieves the system's copy of an entity
	Get(ctx context.Context, entityID string) (*entity.UnifiedEntity, bool, error)

	// Ping checks whether the system is reachable
	Ping(ctx context.Context) error
}

// DataSource is implemented by systems that can also be polled for inbound
// records to transform
type DataSource interface {
	// FetchRecords returns raw records produced after the given time
	FetchRecords(ctx context.Context, since time.Time) ([]*entity.RawRecord, error)
}

// Registry holds the configured target systems
type Registry interface {
	// Register adds a system. Registering a duplicate name is an error.
	Register(sys System) error

	// Get returns the system with the given name
	Get(name entity.SourceSystem) (System, error)

	// List returns all registered systems
	List() []System
}

// defaultRegistry is the default Registry implementation
type defaultRegistry struct {
	mu      sync.RWMutex
	systems map[entity.SourceSystem]System
	order   []entity.SourceSystem
}

// NewRegistry creates an empty system registry
func NewRegistry() Registry {
	return &defaultRegistry{
		systems: make(map[entity.SourceSystem]System),
	}
}

// Register adds a system
func (r *defaultRegistry) Register(sys System) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := sys.Name()
	if _, ok := r.systems[name]; ok {
		return fmt.Errorf("target system '%s' is already registered", name)
	}
	r.systems[name] = sys
	r.order = append(r.order, name)
	return nil
}

// Get returns the system with the given name
func (r *defaultRegistry) Get(name entity.SourceSystem) (System, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sys, ok := r.systems[name]
	if !ok {
		return nil, fmt.Errorf("unknown target system '%s'", name)
	}
	return sys, nil
}

// List returns all registered systems in registration order
func (r *defaultRegistry) List() []System {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]System, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.systems[name])
	}
	return out
}
