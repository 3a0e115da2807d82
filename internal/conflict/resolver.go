package conflict

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/events"
)

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=resolver.go Resolver

// Resolver detects and resolves conflicts for prospective sync operations
type Resolver interface {
	// DetectConflicts runs all detection passes for a proposal and returns
	// the concatenated results. Creates never conflict.
	DetectConflicts(p *Proposal) []*Conflict

	// ResolveConflicts attempts to resolve every conflict. It returns the
	// entity to write and true only when all conflicts resolved; any
	// manual-strategy conflict leaves the whole batch unresolved.
	ResolveConflicts(p *Proposal, conflicts []*Conflict) (*entity.UnifiedEntity, bool)

	// ResolveManually closes an escalated conflict by picking a winner
	// ("source" or "target") and returns the resolved entity
	ResolveManually(conflictID, winner string) (*entity.UnifiedEntity, error)

	// OpenConflicts returns all conflicts awaiting manual resolution
	OpenConflicts() []*Conflict

	// RegisterCustomResolver installs the custom-strategy resolver for an
	// entity type
	RegisterCustomResolver(t entity.Type, fn CustomResolver)
}

// DependencyChecker returns the ids of entities that depend on e; used by
// the dependency pass for delete operations
type DependencyChecker func(e *entity.UnifiedEntity) []string

// Option configures the resolver
type Option func(*defaultResolver)

// WithEventBus sets the bus conflict events are published to
func WithEventBus(bus *events.Bus) Option {
	return func(r *defaultResolver) {
		r.bus = bus
	}
}

// WithDependencyChecker sets the dependency checker for delete operations
func WithDependencyChecker(fn DependencyChecker) Option {
	return func(r *defaultResolver) {
		r.dependencyChecker = fn
	}
}

// WithClock overrides the resolver's clock
func WithClock(now func() time.Time) Option {
	return func(r *defaultResolver) {
		r.now = now
	}
}

// defaultResolver is the default Resolver implementation
type defaultResolver struct {
	cfg               *config.Config
	bus               *events.Bus
	dependencyChecker DependencyChecker
	now               func() time.Time

	mu              sync.Mutex
	customResolvers map[entity.Type]CustomResolver

	// open tracks escalated conflicts awaiting manual resolution, together
	// with the proposal they came from
	open map[string]*openConflict
}

// openConflict pairs an escalated conflict with its proposal's two sides
type openConflict struct {
	conflict *Conflict
	source   *entity.UnifiedEntity
	target   *entity.UnifiedEntity
}

// NewResolver creates a conflict resolver
func NewResolver(cfg *config.Config, opts ...Option) Resolver {
	r := &defaultResolver{
		cfg:             cfg,
		now:             time.Now,
		customResolvers: make(map[entity.Type]CustomResolver),
		open:            make(map[string]*openConflict),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DetectConflicts runs all detection passes for a proposal
func (r *defaultResolver) DetectConflicts(p *Proposal) []*Conflict {
	conflicts := r.detectAll(p)

	for _, c := range conflicts {
		r.bus.Publish(events.SyncConflictDetected, "conflict", map[string]any{
			"conflictId":   c.ID,
			"operationId":  c.OperationID,
			"entityId":     c.EntityID,
			"entityType":   string(c.EntityType),
			"conflictType": string(c.Kind),
			"strategy":     c.Strategy,
			"priority":     c.Priority,
		})
	}

	return conflicts
}

// ResolveConflicts attempts to resolve every conflict in the batch
func (r *defaultResolver) ResolveConflicts(p *Proposal, conflicts []*Conflict) (*entity.UnifiedEntity, bool) {
	// First pass: a single manual conflict blocks the whole batch
	manual := false
	for _, c := range conflicts {
		if c.Strategy == config.StrategyManual {
			manual = true
			break
		}
	}
	if manual {
		for _, c := range conflicts {
			c.Status = ResolutionEscalated
			r.trackOpen(c, p)
		}
		slog.Info("Conflicts escalated for manual resolution",
			"operation_id", p.OperationID,
			"entity_id", p.Source.ID,
			"count", len(conflicts))
		return nil, false
	}

	resolved := p.Source
	for _, c := range conflicts {
		var ok bool
		resolved, ok = r.applyStrategy(c, resolved, p.Target)
		if !ok {
			c.Status = ResolutionEscalated
			r.trackOpen(c, p)
			return nil, false
		}
		c.Status = ResolutionResolved
		c.ResolvedAt = timePtr(r.now().UTC())

		r.bus.Publish(events.SyncConflictResolved, "conflict", map[string]any{
			"conflictId": c.ID,
			"entityId":   c.EntityID,
			"strategy":   c.Strategy,
		})
	}

	return resolved, true
}

// ResolveManually closes an escalated conflict by picking a winner
func (r *defaultResolver) ResolveManually(conflictID, winner string) (*entity.UnifiedEntity, error) {
	r.mu.Lock()
	oc, ok := r.open[conflictID]
	if ok {
		delete(r.open, conflictID)
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no open conflict with id %s", conflictID)
	}

	var resolved *entity.UnifiedEntity
	switch winner {
	case "source":
		resolved = oc.source.Clone()
	case "target":
		resolved = oc.target.Clone()
	default:
		// Put it back: the caller passed an invalid winner
		r.mu.Lock()
		r.open[conflictID] = oc
		r.mu.Unlock()
		return nil, fmt.Errorf("winner must be \"source\" or \"target\", got %q", winner)
	}

	// A delete against a target with no copy tracks a nil target side
	if resolved == nil {
		r.mu.Lock()
		r.open[conflictID] = oc
		r.mu.Unlock()
		return nil, fmt.Errorf("conflict %s has no %s version to apply", conflictID, winner)
	}

	oc.conflict.Status = ResolutionResolved
	oc.conflict.ResolvedAt = timePtr(r.now().UTC())

	r.bus.Publish(events.SyncConflictResolved, "conflict", map[string]any{
		"conflictId": conflictID,
		"entityId":   oc.conflict.EntityID,
		"strategy":   "manual:" + winner,
	})

	return resolved, nil
}

// OpenConflicts returns all conflicts awaiting manual resolution
func (r *defaultResolver) OpenConflicts() []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Conflict, 0, len(r.open))
	for _, oc := range r.open {
		out = append(out, oc.conflict)
	}
	return out
}

// RegisterCustomResolver installs the custom-strategy resolver for an
// entity type
func (r *defaultResolver) RegisterCustomResolver(t entity.Type, fn CustomResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customResolvers[t] = fn
}

// trackOpen records an escalated conflict for later manual resolution
func (r *defaultResolver) trackOpen(c *Conflict, p *Proposal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open[c.ID] = &openConflict{
		conflict: c,
		source:   p.Source.Clone(),
		target:   p.Target.Clone(),
	}
}
