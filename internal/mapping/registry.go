package mapping

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/unisync/unisync/internal/entity"
)

//go:generate mockgen -destination=mocks/mock_registry.go -package=mocks -source=registry.go Registry

// Registry stores transformation mappings and answers lookup queries.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register validates and stores a mapping. A duplicate ID overwrites
	// the previous mapping with a warning rather than failing.
	Register(m *Mapping) error

	// FindBestMapping returns the mapping for (sourceType, sourceEntityType)
	// and, when targetEntityType is non-empty, the one that also matches the
	// target. Without a target hint, registration order is the tie-break:
	// the first mapping registered for the pair wins.
	FindBestMapping(sourceType entity.SourceSystem, sourceEntityType string, targetEntityType entity.Type) (*Mapping, bool)

	// Get returns the mapping with the given ID
	Get(id string) (*Mapping, bool)

	// Remove deletes a mapping by ID, updating all indexes atomically
	Remove(id string) bool

	// List returns all registered mappings in registration order
	List() []*Mapping
}

// ValidationError aggregates the structural problems found in a mapping
type ValidationError struct {
	MappingID string
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mapping %q is invalid: %v", e.MappingID, e.Problems)
}

// sourceKey indexes mappings by their (sourceType, sourceEntityType) pair
type sourceKey struct {
	sourceType       entity.SourceSystem
	sourceEntityType string
}

// defaultRegistry is the default in-memory Registry
type defaultRegistry struct {
	mu sync.RWMutex

	// byID holds every mapping keyed by ID
	byID map[string]*Mapping

	// bySource holds mapping IDs per source pair, in registration order
	bySource map[sourceKey][]string

	// order preserves global registration order for List
	order []string
}

// NewRegistry creates an empty mapping registry
func NewRegistry() Registry {
	return &defaultRegistry{
		byID:     make(map[string]*Mapping),
		bySource: make(map[sourceKey][]string),
	}
}

// Register validates and stores a mapping
func (r *defaultRegistry) Register(m *Mapping) error {
	if err := validateMapping(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[m.ID]; exists {
		slog.Warn("Overwriting existing transformation mapping",
			"mapping_id", m.ID,
			"source_type", m.SourceType,
			"source_entity_type", m.SourceEntityType)
		r.removeLocked(m.ID)
	}

	key := sourceKey{m.SourceType, m.SourceEntityType}
	r.byID[m.ID] = m
	r.bySource[key] = append(r.bySource[key], m.ID)
	r.order = append(r.order, m.ID)

	return nil
}

// validateMapping checks the structural requirements of a mapping and
// collects every problem rather than stopping at the first
func validateMapping(m *Mapping) error {
	if m == nil {
		return &ValidationError{Problems: []string{"mapping cannot be nil"}}
	}

	var problems []string
	if m.ID == "" {
		problems = append(problems, "id is required")
	}
	if m.SourceType == "" {
		problems = append(problems, "sourceType is required")
	}
	if m.SourceEntityType == "" {
		problems = append(problems, "sourceEntityType is required")
	}
	if m.TargetEntityType == "" {
		problems = append(problems, "targetEntityType is required")
	} else if !entity.IsValidType(m.TargetEntityType) {
		problems = append(problems, fmt.Sprintf("unknown targetEntityType %q", m.TargetEntityType))
	}
	if len(m.FieldMappings) == 0 {
		problems = append(problems, "at least one field mapping is required")
	}
	for i, fm := range m.FieldMappings {
		if fm.SourcePath == "" {
			problems = append(problems, fmt.Sprintf("fieldMappings[%d]: sourcePath is required", i))
		}
		if fm.TargetPath == "" {
			problems = append(problems, fmt.Sprintf("fieldMappings[%d]: targetPath is required", i))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{MappingID: m.ID, Problems: problems}
	}
	return nil
}

// FindBestMapping returns the best mapping for the given keys
func (r *defaultRegistry) FindBestMapping(
	sourceType entity.SourceSystem, sourceEntityType string, targetEntityType entity.Type,
) (*Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.bySource[sourceKey{sourceType, sourceEntityType}]
	if len(ids) == 0 {
		return nil, false
	}

	if targetEntityType != "" {
		for _, id := range ids {
			if m := r.byID[id]; m.TargetEntityType == targetEntityType {
				return m, true
			}
		}
		return nil, false
	}

	// No target hint: registration order is the priority order
	return r.byID[ids[0]], true
}

// Get returns the mapping with the given ID
func (r *defaultRegistry) Get(id string) (*Mapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	return m, ok
}

// Remove deletes a mapping by ID
func (r *defaultRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return false
	}
	r.removeLocked(id)
	return true
}

// removeLocked removes a mapping from every index. Callers hold r.mu.
func (r *defaultRegistry) removeLocked(id string) {
	m := r.byID[id]
	delete(r.byID, id)

	key := sourceKey{m.SourceType, m.SourceEntityType}
	r.bySource[key] = removeString(r.bySource[key], id)
	if len(r.bySource[key]) == 0 {
		delete(r.bySource, key)
	}
	r.order = removeString(r.order, id)
}

// List returns all registered mappings in registration order
func (r *defaultRegistry) List() []*Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Mapping, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// removeString removes the first occurrence of s from the slice
func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
