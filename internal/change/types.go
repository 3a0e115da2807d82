// Package change implements change detection for the unified entity
// population: diffing entities against snapshots, classifying transitions,
// fanning out to target systems, deduplication, and buffered delivery.
package change

import (
	"time"

	"github.com/unisync/unisync/internal/entity"
)

// OperationType classifies a detected transition
type OperationType string

const (
	// OperationCreate means the entity was not seen before
	OperationCreate OperationType = "create"

	// OperationUpdate means the entity's content changed
	OperationUpdate OperationType = "update"

	// OperationDelete means the entity transitioned into archived status
	OperationDelete OperationType = "delete"

	// OperationRestore means the entity transitioned out of archived status.
	// Restore is inferred solely from that status transition; there is no
	// separate soft-delete lifecycle elsewhere in the data model.
	OperationRestore OperationType = "restore"
)

// Event is a detected create/update/delete/restore transition. Events are
// created exactly once per transition and are immutable after creation.
type Event struct {
	// ID uniquely identifies the event
	ID string `json:"id"`

	// EntityID is the affected unified entity
	EntityID string `json:"entityId"`

	// EntityType is the entity's type
	EntityType entity.Type `json:"entityType"`

	// SourceSystem is the system the entity originates from
	SourceSystem entity.SourceSystem `json:"sourceSystem"`

	// Operation classifies the transition
	Operation OperationType `json:"operationType"`

	// Timestamp is when the change was detected
	Timestamp time.Time `json:"timestamp"`

	// PreviousVersion is the entity before the change, nil for creates
	PreviousVersion *entity.UnifiedEntity `json:"previousVersion,omitempty"`

	// CurrentVersion is the entity after the change
	CurrentVersion *entity.UnifiedEntity `json:"currentVersion"`

	// ChangedFields lists the dotted paths that differ
	ChangedFields []string `json:"changedFields,omitempty"`

	// TargetSystems lists the systems the change fans out to
	TargetSystems []string `json:"targetSystems"`

	// Priority orders downstream sync operations, 1 (lowest) to 10 (highest)
	Priority int `json:"priority"`
}

// snapshot records what the detector last saw for one entity. The full
// entity copy is kept so updates can be diffed field by field.
type snapshot struct {
	checksum     string
	lastModified time.Time
	version      int
	status       string
	entity       *entity.UnifiedEntity
}
