// Package mapping holds the transformation mapping registry, which declares
// how a raw record of a given source system and entity type becomes a
// unified entity of a target type.
package mapping

import (
	"context"
	"time"

	"github.com/unisync/unisync/internal/entity"
)

// ConditionOperator compares a raw-record field against an expected value
type ConditionOperator string

const (
	// OperatorEquals matches when the field equals the expected value
	OperatorEquals ConditionOperator = "equals"

	// OperatorContains matches when the field (string or slice) contains the expected value
	OperatorContains ConditionOperator = "contains"

	// OperatorGreaterThan matches when the numeric field exceeds the expected value
	OperatorGreaterThan ConditionOperator = "greaterThan"

	// OperatorLessThan matches when the numeric field is below the expected value
	OperatorLessThan ConditionOperator = "lessThan"

	// OperatorExists matches when the field is present and non-nil
	OperatorExists ConditionOperator = "exists"
)

// Condition is a precondition evaluated against the raw record before a
// mapping is applied
type Condition struct {
	// Field is the dotted path into the raw record data
	Field string `yaml:"field"`

	// Operator selects the comparison
	Operator ConditionOperator `yaml:"operator"`

	// Value is the expected value (unused for exists)
	Value any `yaml:"value,omitempty"`
}

// FieldMapping maps one raw-record field onto one entity field
type FieldMapping struct {
	// SourcePath is the dotted path read from the raw record data
	SourcePath string `yaml:"sourcePath"`

	// TargetPath is the dotted path written on the unified entity
	TargetPath string `yaml:"targetPath"`

	// Transform is the name of an optional transform applied to the value
	Transform string `yaml:"transform,omitempty"`

	// Default is used when the source path resolves to nothing
	Default any `yaml:"default,omitempty"`

	// Required fails the transformation when no value can be produced
	Required bool `yaml:"required"`
}

// ValidationType selects a validation rule kind
type ValidationType string

const (
	// ValidationRequired fails when the field is empty or missing
	ValidationRequired ValidationType = "required"

	// ValidationEmail warns when the field is not a plausible email address
	ValidationEmail ValidationType = "email"

	// ValidationURL warns when the field does not parse as a URL
	ValidationURL ValidationType = "url"

	// ValidationDateRange errors when the date is outside [Min, Max]
	ValidationDateRange ValidationType = "dateRange"

	// ValidationNumberRange errors when the number is outside [Min, Max]
	ValidationNumberRange ValidationType = "numberRange"
)

// ValidationRule validates one entity field after mapping
type ValidationRule struct {
	// Field is the dotted path on the unified entity
	Field string `yaml:"field"`

	// Type selects the validation kind
	Type ValidationType `yaml:"type"`

	// Min bounds dateRange (RFC3339 string) and numberRange checks
	Min any `yaml:"min,omitempty"`

	// Max bounds dateRange (RFC3339 string) and numberRange checks
	Max any `yaml:"max,omitempty"`

	// Severity overrides the rule's default severity (warning, error, critical)
	Severity string `yaml:"severity,omitempty"`
}

// PostProcessContext carries the inputs a post-processor may consult
type PostProcessContext struct {
	// Record is the raw record being transformed
	Record *entity.RawRecord

	// Store is the existing unified entity population
	Store entity.Store

	// Reference holds auxiliary lookup data keyed by name
	Reference map[string]any

	// Timestamp is when the transformation started
	Timestamp time.Time
}

// PostProcessor mutates the entity after field mapping. Processors run in
// ascending Priority order; each receives the output of the previous one.
type PostProcessor struct {
	// Name identifies the processor in logs and errors
	Name string

	// Priority orders processors (lower runs first)
	Priority int

	// Process returns the updated entity or an error
	Process func(ctx context.Context, e *entity.UnifiedEntity, pctx *PostProcessContext) (*entity.UnifiedEntity, error)
}

// Mapping declares how records of (SourceType, SourceEntityType) become
// unified entities of TargetEntityType. Mappings are immutable once
// registered; re-registering the same ID replaces the whole mapping.
type Mapping struct {
	// ID uniquely identifies the mapping in the registry
	ID string `yaml:"id"`

	// SourceType is the originating system
	SourceType entity.SourceSystem `yaml:"sourceType"`

	// SourceEntityType is the record type as named by the source system
	SourceEntityType string `yaml:"sourceEntityType"`

	// TargetEntityType is the unified entity type produced
	TargetEntityType entity.Type `yaml:"targetEntityType"`

	// FieldMappings apply in declared order
	FieldMappings []FieldMapping `yaml:"fieldMappings"`

	// Conditions must all hold for the mapping to apply
	Conditions []Condition `yaml:"conditions,omitempty"`

	// PostProcessors run after field mapping in ascending priority order
	PostProcessors []PostProcessor `yaml:"-"`

	// ValidationRules run after post-processing
	ValidationRules []ValidationRule `yaml:"validationRules,omitempty"`
}
