// Package events provides the typed event bus that carries transform and
// sync lifecycle notifications to external monitoring.
//
// The event types form a closed set. Subscribers register per type (or for
// all types) and receive events synchronously in registration order; a slow
// subscriber therefore delays publication, which keeps ordering exact and
// is acceptable for the in-process monitoring this bus serves.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind. The set is closed: external consumers may
// only depend on the types declared here.
type Type string

const (
	// TransformStarted is emitted when a single-record transformation begins
	TransformStarted Type = "transform:started"

	// TransformCompleted is emitted when a transformation succeeds
	TransformCompleted Type = "transform:completed"

	// TransformFailed is emitted when a transformation fails
	TransformFailed Type = "transform:failed"

	// TransformBatchCompleted is emitted when a batch transformation finishes
	TransformBatchCompleted Type = "transform:batch_completed"

	// SyncChangeDetected is emitted for every change event flushed downstream
	SyncChangeDetected Type = "sync:change_detected"

	// SyncStarted is emitted when a sync operation begins executing
	SyncStarted Type = "sync:started"

	// SyncCompleted is emitted when a sync operation completes successfully
	SyncCompleted Type = "sync:completed"

	// SyncFailed is emitted when a sync operation fails permanently
	SyncFailed Type = "sync:failed"

	// SyncConflictDetected is emitted when conflicts are found for an operation
	SyncConflictDetected Type = "sync:conflict_detected"

	// SyncConflictResolved is emitted when a conflict is resolved
	SyncConflictResolved Type = "sync:conflict_resolved"

	// SyncStopped is emitted when the engine stops
	SyncStopped Type = "sync:stopped"
)

// AllTypes lists every event type the bus can carry
var AllTypes = []Type{
	TransformStarted, TransformCompleted, TransformFailed, TransformBatchCompleted,
	SyncChangeDetected, SyncStarted, SyncCompleted, SyncFailed,
	SyncConflictDetected, SyncConflictResolved, SyncStopped,
}

// Event is the envelope delivered to subscribers
type Event struct {
	// ID uniquely identifies this event instance
	ID string `json:"id"`

	// Type is the event kind
	Type Type `json:"type"`

	// Source names the component that emitted the event
	Source string `json:"source"`

	// Timestamp is when the event was published
	Timestamp time.Time `json:"timestamp"`

	// Data is the event payload; its shape depends on Type
	Data map[string]any `json:"data,omitempty"`
}

// Subscriber receives published events
type Subscriber func(Event)

// Bus fan-outs events to typed subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	all         []Subscriber
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Type][]Subscriber),
	}
}

// Subscribe registers fn for events of the given type
func (b *Bus) Subscribe(t Type, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], fn)
}

// SubscribeAll registers fn for every event type
func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, fn)
}

// Publish builds the envelope and delivers it synchronously to all matching
// subscribers. A nil Bus is a no-op so components can run without one.
func (b *Bus) Publish(t Type, source string, data map[string]any) {
	if b == nil {
		return
	}

	event := Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	typed := append([]Subscriber(nil), b.subscribers[t]...)
	all := append([]Subscriber(nil), b.all...)
	b.mu.RUnlock()

	for _, fn := range typed {
		fn(event)
	}
	for _, fn := range all {
		fn(event)
	}
}
