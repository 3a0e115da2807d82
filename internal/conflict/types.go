// Package conflict implements conflict detection and resolution between the
// source and target versions of an entity during synchronization.
package conflict

import (
	"time"

	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/entity"
)

// Type classifies a detected conflict
type Type string

const (
	// TypeField means a critical field diverged between source and target
	TypeField Type = "field"

	// TypeVersion means both sides were updated concurrently by different actors
	TypeVersion Type = "version"

	// TypeDependency means a delete would orphan dependent entities
	TypeDependency Type = "dependency"

	// TypeBusinessRule means the proposed change violates a domain rule
	TypeBusinessRule Type = "business_rule"
)

// ResolutionStatus tracks a conflict's lifecycle
type ResolutionStatus string

const (
	// ResolutionPending means the conflict has not been resolved yet
	ResolutionPending ResolutionStatus = "pending"

	// ResolutionResolved means the conflict was resolved
	ResolutionResolved ResolutionStatus = "resolved"

	// ResolutionEscalated means the conflict requires manual resolution
	ResolutionEscalated ResolutionStatus = "escalated"
)

// Conflict is a detected disagreement between the proposed and existing
// target-side version of an entity
type Conflict struct {
	// ID uniquely identifies the conflict
	ID string `json:"id"`

	// OperationID is the sync operation that surfaced the conflict
	OperationID string `json:"operationId"`

	// EntityID is the affected entity
	EntityID string `json:"entityId"`

	// EntityType is the affected entity's type
	EntityType entity.Type `json:"entityType"`

	// TargetSystem is the system whose copy diverged
	TargetSystem string `json:"targetSystem"`

	// Kind classifies the conflict
	Kind Type `json:"type"`

	// ConflictedFields lists the dotted paths in disagreement
	ConflictedFields []string `json:"conflictedFields,omitempty"`

	// SourceValue and TargetValue carry the diverging values for
	// single-field conflicts
	SourceValue any `json:"sourceValue,omitempty"`
	TargetValue any `json:"targetValue,omitempty"`

	// Priority orders conflicts for operator attention (higher first)
	Priority int `json:"priority"`

	// Strategy is the chosen resolution strategy
	Strategy string `json:"resolutionStrategy"`

	// Status tracks the conflict lifecycle
	Status ResolutionStatus `json:"resolutionStatus"`

	// Description explains the conflict to operators
	Description string `json:"description,omitempty"`

	// DetectedAt is when the conflict was found
	DetectedAt time.Time `json:"detectedAt"`

	// ResolvedAt is when the conflict was closed
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Proposal describes a prospective sync operation for conflict checking
type Proposal struct {
	// OperationID is the sync operation's id
	OperationID string

	// Operation is the change operation being propagated
	Operation change.OperationType

	// TargetSystem is the system being written to
	TargetSystem string

	// Source is the entity version being propagated
	Source *entity.UnifiedEntity

	// Target is the entity version already at the target, nil for creates
	Target *entity.UnifiedEntity
}
