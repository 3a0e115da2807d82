package change

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/events"
)

// systemAllowedTypes is the fixed per-system entity-type allowlist used for
// target fan-out
var systemAllowedTypes = map[string][]entity.Type{
	"calendar": {entity.TypeEvent, entity.TypeTask},
	"v2":       {entity.TypeProject, entity.TypeRecommendation},
	"buildup":  {entity.TypeProject, entity.TypeKPI},
}

// criticalFieldSubstrings bumps priority when a changed field matches any of
// these substrings
var criticalFieldSubstrings = []string{"status", "priority", "scores", "progress"}

// Sink receives flushed change events
type Sink func([]*Event)

// Clock supplies the current time; injectable so tests can advance virtual
// time instead of sleeping
type Clock func() time.Time

//go:generate mockgen -destination=mocks/mock_detector.go -package=mocks -source=detector.go Detector

// Detector diffs the entity population against its snapshot map and emits
// change events
type Detector interface {
	// Scan synchronously detects changes for all entities of the given
	// source system (or all systems when source is empty) and returns the
	// resulting events, bypassing the buffer
	Scan(source entity.SourceSystem) []*Event

	// Observe runs detection for one entity and buffers any resulting
	// event for the next flush
	Observe(e *entity.UnifiedEntity)

	// PollOnce observes every stored entity, then flushes if due
	PollOnce()

	// Flush force-publishes all buffered events to the sink
	Flush()

	// SetSink registers the downstream consumer of flushed events
	SetSink(sink Sink)
}

// Option configures the detector
type Option func(*defaultDetector)

// WithClock overrides the detector's clock
func WithClock(clock Clock) Option {
	return func(d *defaultDetector) {
		d.now = clock
	}
}

// WithEventBus sets the bus change-detected events are published to
func WithEventBus(bus *events.Bus) Option {
	return func(d *defaultDetector) {
		d.bus = bus
	}
}

// defaultDetector is the default Detector implementation
type defaultDetector struct {
	store entity.Store
	cfg   *config.Config
	bus   *events.Bus
	now   Clock

	mu        sync.Mutex
	snapshots map[string]*snapshot
	dedup     map[string]time.Time
	buffer    []*Event
	lastFlush time.Time
	sink      Sink
}

// NewDetector creates a change detector over the given entity store
func NewDetector(store entity.Store, cfg *config.Config, opts ...Option) Detector {
	d := &defaultDetector{
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		snapshots: make(map[string]*snapshot),
		dedup:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.lastFlush = d.now()
	return d
}

// SetSink registers the downstream consumer of flushed events
func (d *defaultDetector) SetSink(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Scan synchronously detects changes for one source system
func (d *defaultDetector) Scan(source entity.SourceSystem) []*Event {
	var out []*Event
	for _, e := range d.store.List() {
		if source != "" && e.Provenance.SourceType != source {
			continue
		}
		if event := d.detect(e); event != nil {
			out = append(out, event)
			d.publishDetected(event)
		}
	}
	return out
}

// Observe runs detection for one entity and buffers the result
func (d *defaultDetector) Observe(e *entity.UnifiedEntity) {
	event := d.detect(e)
	if event == nil {
		return
	}

	d.mu.Lock()
	d.buffer = append(d.buffer, event)
	shouldFlush := len(d.buffer) >= d.cfg.Detector.BatchSize
	d.mu.Unlock()

	if shouldFlush {
		d.Flush()
	}
}

// PollOnce observes every stored entity, then flushes if the interval has
// elapsed
func (d *defaultDetector) PollOnce() {
	for _, e := range d.store.List() {
		d.Observe(e)
	}

	d.mu.Lock()
	due := d.now().Sub(d.lastFlush) >= d.cfg.Detector.FlushInterval && len(d.buffer) > 0
	d.mu.Unlock()

	if due {
		d.Flush()
	}
}

// Flush publishes every buffered event downstream, then clears the buffer
func (d *defaultDetector) Flush() {
	d.mu.Lock()
	flushed := d.buffer
	d.buffer = nil
	d.lastFlush = d.now()
	sink := d.sink
	d.mu.Unlock()

	if len(flushed) == 0 {
		return
	}

	for _, event := range flushed {
		d.publishDetected(event)
	}
	if sink != nil {
		sink(flushed)
	}

	slog.Debug("Flushed change events", "count", len(flushed))
}

// detect runs the full detection pipeline for one entity: snapshot compare,
// operation classification, diffing, fan-out, priority, and deduplication.
// It returns nil when the entity is unchanged or the event is a duplicate.
func (d *defaultDetector) detect(e *entity.UnifiedEntity) *Event {
	key := snapshotKey(e)
	checksum := Checksum(e)

	d.mu.Lock()
	prior, seen := d.snapshots[key]
	d.mu.Unlock()

	var (
		op       OperationType
		previous *entity.UnifiedEntity
		changed  []string
	)

	switch {
	case !seen:
		op = OperationCreate

	case prior.checksum == checksum && !e.UpdatedAt.After(prior.lastModified):
		return nil

	default:
		previous = &entity.UnifiedEntity{Status: prior.status}
		switch {
		case e.Status == entity.StatusArchived && prior.status != entity.StatusArchived:
			op = OperationDelete
		case prior.status == entity.StatusArchived && e.Status != entity.StatusArchived:
			op = OperationRestore
		default:
			op = OperationUpdate
		}
	}

	targets := d.targetSystems(e)
	if op != OperationCreate {
		// Rebuild the previous version from the snapshot's stored copy for
		// an exact field diff
		if full := d.snapshotEntity(key); full != nil {
			previous = full
			changed = DiffEntities(previous, e)
		} else {
			changed = []string{"status"}
		}
	}

	if d.isDuplicate(e.ID, op) {
		return nil
	}

	d.saveSnapshot(key, e, checksum)

	if len(targets) == 0 {
		return nil
	}

	return &Event{
		ID:              uuid.NewString(),
		EntityID:        e.ID,
		EntityType:      e.Type,
		SourceSystem:    e.Provenance.SourceType,
		Operation:       op,
		Timestamp:       d.now().UTC(),
		PreviousVersion: previous,
		CurrentVersion:  e.Clone(),
		ChangedFields:   changed,
		TargetSystems:   targets,
		Priority:        eventPriority(op, e.Type, changed),
	}
}

// targetSystems computes the fan-out for an entity: every enabled system
// except the origin whose allowlist accepts the entity type
func (d *defaultDetector) targetSystems(e *entity.UnifiedEntity) []string {
	var targets []string
	for name, allowed := range systemAllowedTypes {
		if name == string(e.Provenance.SourceType) {
			continue
		}
		if sysCfg, ok := d.cfg.Systems[name]; ok {
			if !sysCfg.Enabled || !sysCfg.AllowsEntityType(string(e.Type)) {
				continue
			}
		}
		for _, t := range allowed {
			if t == e.Type {
				targets = append(targets, name)
				break
			}
		}
	}
	return targets
}

// isDuplicate drops a (entityID, operation) pair seen again within the
// deduplication window. The window slides: every non-duplicate refreshes it.
func (d *defaultDetector) isDuplicate(entityID string, op OperationType) bool {
	key := entityID + ":" + string(op)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.dedup[key]; ok && now.Sub(last) < d.cfg.Detector.DeduplicationWindow {
		return true
	}
	d.dedup[key] = now
	return false
}

// saveSnapshot updates the snapshot map after a detected change
func (d *defaultDetector) saveSnapshot(key string, e *entity.UnifiedEntity, checksum string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshots[key] = &snapshot{
		checksum:     checksum,
		lastModified: e.UpdatedAt,
		version:      e.Provenance.Version,
		status:       e.Status,
		entity:       e.Clone(),
	}
}

// snapshotEntity returns the stored previous copy for a snapshot key
func (d *defaultDetector) snapshotEntity(key string) *entity.UnifiedEntity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.snapshots[key]; ok {
		return s.entity
	}
	return nil
}

// publishDetected emits the change-detected event to the bus
func (d *defaultDetector) publishDetected(event *Event) {
	d.bus.Publish(events.SyncChangeDetected, "change", map[string]any{
		"eventId":    event.ID,
		"entityId":   event.EntityID,
		"entityType": string(event.EntityType),
		"operation":  string(event.Operation),
		"priority":   event.Priority,
		"targets":    event.TargetSystems,
	})
}

// eventPriority computes an event's priority: base 5, bumped by operation
// type, entity type, and critical-field changes, clamped to [1,10]
func eventPriority(op OperationType, entityType entity.Type, changedFields []string) int {
	priority := 5

	switch op {
	case OperationCreate:
		priority += 2
	case OperationDelete:
		priority += 3
	case OperationUpdate:
		priority++
	case OperationRestore:
		priority += 2
	}

	switch entityType {
	case entity.TypeKPI:
		priority += 2
	case entity.TypeProject:
		priority++
	case entity.TypeRecommendation:
		priority++
	}

	for _, field := range changedFields {
		if isCriticalField(field) {
			priority += 2
			break
		}
	}

	if priority > 10 {
		priority = 10
	} else if priority < 1 {
		priority = 1
	}
	return priority
}

// isCriticalField reports whether a changed field path matches the
// critical-field substring set
func isCriticalField(field string) bool {
	for _, sub := range criticalFieldSubstrings {
		if strings.Contains(field, sub) {
			return true
		}
	}
	return false
}

// snapshotKey builds the snapshot map key for an entity
func snapshotKey(e *entity.UnifiedEntity) string {
	return string(e.Provenance.SourceType) + ":" + string(e.Type) + ":" + e.ID
}
