// Package entity defines the unified entity data model shared by the
// transformation, change-detection, and sync subsystems.
package entity

import "time"

// Type identifies the kind of unified entity
type Type string

const (
	// TypeProject is a project entity
	TypeProject Type = "project"

	// TypeEvent is a calendar event entity
	TypeEvent Type = "event"

	// TypeTask is a task entity
	TypeTask Type = "task"

	// TypeKPI is a key-performance-indicator entity
	TypeKPI Type = "kpi"

	// TypeRecommendation is a recommendation entity
	TypeRecommendation Type = "recommendation"

	// TypeMilestone is a milestone entity
	TypeMilestone Type = "milestone"

	// TypeResource is a resource entity
	TypeResource Type = "resource"

	// TypeMetric is a metric entity
	TypeMetric Type = "metric"
)

// Types lists every known entity type
var Types = []Type{
	TypeProject, TypeEvent, TypeTask, TypeKPI,
	TypeRecommendation, TypeMilestone, TypeResource, TypeMetric,
}

// IsValidType reports whether t is a known entity type
func IsValidType(t Type) bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// SourceSystem identifies one of the external systems of record
type SourceSystem string

const (
	// SystemV2 is the v2 business system
	SystemV2 SourceSystem = "v2"

	// SystemCalendar is the calendar system
	SystemCalendar SourceSystem = "calendar"

	// SystemBuildup is the buildup system
	SystemBuildup SourceSystem = "buildup"

	// SystemSynthetic marks entities created by the sync engine itself
	// rather than transformed from a source record
	SystemSynthetic SourceSystem = "synthetic"
)

// SourceSystems lists the three external systems of record
var SourceSystems = []SourceSystem{SystemV2, SystemCalendar, SystemBuildup}

// Status values used across entity types. StatusArchived doubles as the
// soft-delete marker: transitions into it are treated as deletes and
// transitions out of it as restores.
const (
	StatusDraft     = "draft"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusArchived  = "archived"
)

// Priority levels for unified entities
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Quality describes the reported quality of a raw source record
type Quality string

const (
	// QualityHigh means the record is complete and trustworthy
	QualityHigh Quality = "high"

	// QualityMedium means the record may be missing optional fields
	QualityMedium Quality = "medium"

	// QualityLow means the record is incomplete or stale
	QualityLow Quality = "low"

	// QualityCorrupted means the record failed source-side integrity checks
	QualityCorrupted Quality = "corrupted"
)

// Provenance records where a unified entity came from
type Provenance struct {
	// SourceID is the record's identifier in the originating system
	SourceID string `json:"sourceId"`

	// SourceType is the originating system. Immutable after creation.
	SourceType SourceSystem `json:"sourceType"`

	// OriginalData is the raw record payload the entity was transformed from
	OriginalData map[string]any `json:"originalData,omitempty"`

	// TransformedAt is when the transformation ran
	TransformedAt time.Time `json:"transformedAt"`

	// Version increments on every transformation of the same entity
	Version int `json:"version"`
}

// UnifiedEntity is the system-agnostic record produced by transforming a
// raw, system-specific record
type UnifiedEntity struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	CreatedAt   time.Time      `json:"createdAt"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	UpdatedBy   string         `json:"updatedBy,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Provenance  Provenance     `json:"provenance"`
}

// Clone returns a deep copy of the entity. Tags, Metadata, and the
// provenance payload are copied so mutations on the clone never leak back.
func (e *UnifiedEntity) Clone() *UnifiedEntity {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Tags != nil {
		clone.Tags = append([]string(nil), e.Tags...)
	}
	clone.Metadata = cloneMap(e.Metadata)
	clone.Provenance.OriginalData = cloneMap(e.Provenance.OriginalData)
	return &clone
}

// cloneMap deep-copies nested maps and slices; scalar values are shared
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// RawRecord is a system-specific record supplied by an external data source.
// Data carries the payload; its "type" key names the source entity type.
type RawRecord struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"sourceId"`
	SourceType SourceSystem   `json:"sourceType"`
	Data       map[string]any `json:"data"`
	Quality    Quality        `json:"quality"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
}

// EntityType returns the source entity type declared in the record payload,
// or "" if the payload has none
func (r *RawRecord) EntityType() string {
	if r.Data == nil {
		return ""
	}
	if t, ok := r.Data["type"].(string); ok {
		return t
	}
	return ""
}
