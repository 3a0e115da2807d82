// Package transform implements the transformation engine that turns raw
// system-specific records into unified entities using registered mappings.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/errcode"
	"github.com/unisync/unisync/internal/events"
	"github.com/unisync/unisync/internal/mapping"
	"github.com/unisync/unisync/internal/telemetry"
)

// Quality score penalties. The score starts at 100 and each finding
// subtracts its penalty; the result is clamped to [0,100].
const (
	penaltyCriticalIssue    = 30
	penaltyErrorIssue       = 15
	penaltyWarningIssue     = 5
	penaltyMissingTitle     = 20
	penaltyLowQuality       = 10
	penaltyCorruptedQuality = 25
	penaltyNoTags           = 5
)

// Issue is one problem found while transforming a record
type Issue struct {
	// Code classifies the problem
	Code errcode.Code `json:"code"`

	// Field is the affected dotted path, if any
	Field string `json:"field,omitempty"`

	// Message describes the problem
	Message string `json:"message"`

	// Severity grades the problem; warnings do not fail the transform
	Severity errcode.Severity `json:"severity"`
}

// Result is the outcome of transforming a single record
type Result struct {
	// Success is true iff no issue has severity error or critical
	Success bool `json:"success"`

	// Entity is the produced unified entity; nil when no mapping applied
	Entity *entity.UnifiedEntity `json:"entity,omitempty"`

	// Errors holds issues with severity error or critical
	Errors []Issue `json:"errors,omitempty"`

	// Warnings holds issues with severity warning
	Warnings []Issue `json:"warnings,omitempty"`

	// QualityScore grades the produced entity in [0,100]
	QualityScore int `json:"qualityScore"`

	// Duration is how long the transformation took
	Duration time.Duration `json:"duration"`
}

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks -source=engine.go Engine

// Engine transforms raw records into unified entities
type Engine interface {
	// Transform converts one raw record. Failures are reported in-band on
	// the Result; the error return is reserved for context cancellation.
	Transform(ctx context.Context, record *entity.RawRecord, userID string) (*Result, error)

	// TransformBatch converts records with bounded concurrency and returns
	// aggregated statistics. Individual record failures never abort the batch.
	TransformBatch(ctx context.Context, records []*entity.RawRecord, userID string) (*BatchResult, error)
}

// Option configures the engine
type Option func(*defaultEngine)

// WithEventBus sets the event bus transform events are published to
func WithEventBus(bus *events.Bus) Option {
	return func(e *defaultEngine) {
		e.bus = bus
	}
}

// WithMetrics sets the transform metrics recorder
func WithMetrics(m *telemetry.TransformMetrics) Option {
	return func(e *defaultEngine) {
		e.metrics = m
	}
}

// WithReferenceData sets auxiliary lookup data passed to post-processors
func WithReferenceData(ref map[string]any) Option {
	return func(e *defaultEngine) {
		e.reference = ref
	}
}

// WithBatchConcurrency overrides the number of records transformed in flight
func WithBatchConcurrency(n int) Option {
	return func(e *defaultEngine) {
		if n > 0 {
			e.batchConcurrency = n
		}
	}
}

// WithClock overrides the clock, letting tests control timestamps
func WithClock(now func() time.Time) Option {
	return func(e *defaultEngine) {
		e.now = now
	}
}

// defaultEngine is the default Engine implementation
type defaultEngine struct {
	registry  mapping.Registry
	store     entity.Store
	bus       *events.Bus
	metrics   *telemetry.TransformMetrics
	reference map[string]any
	now       func() time.Time

	batchConcurrency int

	// sourceIndex maps sourceType:sourceID to the entity id produced for
	// that record, keeping entity identity stable across re-transforms
	mu          sync.Mutex
	sourceIndex map[string]string
}

// NewEngine creates a transformation engine backed by the given registry
// and entity store
func NewEngine(registry mapping.Registry, store entity.Store, opts ...Option) Engine {
	e := &defaultEngine{
		registry:         registry,
		store:            store,
		now:              time.Now,
		batchConcurrency: 5,
		sourceIndex:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transform converts one raw record into a unified entity
func (e *defaultEngine) Transform(ctx context.Context, record *entity.RawRecord, userID string) (result *Result, err error) {
	start := e.now()
	result = &Result{}

	// Unexpected failures during mapping or post-processing must surface
	// in-band as critical issues, never as a panic past this API
	defer func() {
		if r := recover(); r != nil {
			result.Entity = nil
			result.Success = false
			result.Errors = append(result.Errors, Issue{
				Code:     errcode.TransformFailed,
				Message:  fmt.Sprintf("unexpected failure: %v", r),
				Severity: errcode.SeverityCritical,
			})
			result.Duration = e.now().Sub(start)
			e.publishOutcome(record, result)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.bus.Publish(events.TransformStarted, "transform", map[string]any{
		"recordId":   record.ID,
		"sourceType": string(record.SourceType),
	})

	m, ok := e.registry.FindBestMapping(record.SourceType, record.EntityType(), "")
	if !ok {
		result.Success = false
		result.Errors = append(result.Errors, Issue{
			Code:     errcode.NoMappingFound,
			Severity: errcode.SeverityError,
			Message: fmt.Sprintf("no mapping registered for source %s entity type %q",
				record.SourceType, record.EntityType()),
		})
		result.Duration = e.now().Sub(start)
		e.publishOutcome(record, result)
		return result, nil
	}

	if failed, cond := e.checkConditions(m, record); failed {
		result.Success = false
		result.Warnings = append(result.Warnings, Issue{
			Code:     errcode.ConditionsNotMet,
			Field:    cond.Field,
			Severity: errcode.SeverityWarning,
			Message:  fmt.Sprintf("condition %s %s not met", cond.Field, cond.Operator),
		})
		result.Duration = e.now().Sub(start)
		e.publishOutcome(record, result)
		return result, nil
	}

	ent := e.buildBaseEntity(m, record, userID)
	e.applyFieldMappings(m, record, ent, result)
	e.runPostProcessors(ctx, m, record, ent, result)
	e.validate(m, ent, result)

	result.Entity = ent
	result.QualityScore = e.qualityScore(record, ent, result)
	result.Success = !hasBlockingIssue(result.Errors)

	if result.Success {
		if err := e.store.Put(ent); err != nil {
			result.Success = false
			result.Errors = append(result.Errors, Issue{
				Code:     errcode.TransformFailed,
				Severity: errcode.SeverityCritical,
				Message:  fmt.Sprintf("failed to store entity: %v", err),
			})
		} else {
			e.rememberSource(record, ent.ID)
		}
	}

	result.Duration = e.now().Sub(start)
	e.publishOutcome(record, result)
	e.metrics.RecordTransform(ctx, string(record.SourceType), result.Success, int64(result.QualityScore))

	return result, nil
}

// checkConditions evaluates mapping preconditions; it returns the first
// failed condition
func (*defaultEngine) checkConditions(m *mapping.Mapping, record *entity.RawRecord) (bool, *mapping.Condition) {
	for i := range m.Conditions {
		cond := &m.Conditions[i]
		value, exists := lookupPath(record.Data, cond.Field)

		ok := false
		switch cond.Operator {
		case mapping.OperatorExists:
			ok = exists && value != nil
		case mapping.OperatorEquals:
			ok = exists && fmt.Sprintf("%v", value) == fmt.Sprintf("%v", cond.Value)
		case mapping.OperatorContains:
			ok = exists && containsValue(value, cond.Value)
		case mapping.OperatorGreaterThan:
			ok = exists && compareNumeric(value, cond.Value, func(a, b float64) bool { return a > b })
		case mapping.OperatorLessThan:
			ok = exists && compareNumeric(value, cond.Value, func(a, b float64) bool { return a < b })
		}
		if !ok {
			return true, cond
		}
	}
	return false, nil
}

// buildBaseEntity creates the entity skeleton with defaults before field
// mappings run
func (e *defaultEngine) buildBaseEntity(m *mapping.Mapping, record *entity.RawRecord, userID string) *entity.UnifiedEntity {
	now := e.now().UTC()

	id, version := e.existingIdentity(record)
	if id == "" {
		id = uuid.NewString()
	}

	return &entity.UnifiedEntity{
		ID:        id,
		Type:      m.TargetEntityType,
		Status:    entity.StatusDraft,
		Priority:  entity.PriorityMedium,
		CreatedAt: now,
		CreatedBy: userID,
		UpdatedAt: now,
		UpdatedBy: userID,
		Metadata:  make(map[string]any),
		Provenance: entity.Provenance{
			SourceID:      record.SourceID,
			SourceType:    record.SourceType,
			OriginalData:  record.Data,
			TransformedAt: now,
			Version:       version + 1,
		},
	}
}

// existingIdentity returns the entity id and version previously produced
// for this source record, if any
func (e *defaultEngine) existingIdentity(record *entity.RawRecord) (string, int) {
	e.mu.Lock()
	id, ok := e.sourceIndex[sourceIndexKey(record)]
	e.mu.Unlock()
	if !ok {
		return "", 0
	}
	existing, found := e.store.Get(id)
	if !found {
		return "", 0
	}
	return id, existing.Provenance.Version
}

// rememberSource records which entity id a source record produced
func (e *defaultEngine) rememberSource(record *entity.RawRecord, entityID string) {
	e.mu.Lock()
	e.sourceIndex[sourceIndexKey(record)] = entityID
	e.mu.Unlock()
}

func sourceIndexKey(record *entity.RawRecord) string {
	return string(record.SourceType) + ":" + record.SourceID
}

// applyFieldMappings applies the mapping's field mappings in declared order
func (*defaultEngine) applyFieldMappings(
	m *mapping.Mapping, record *entity.RawRecord, ent *entity.UnifiedEntity, result *Result,
) {
	for i := range m.FieldMappings {
		fm := &m.FieldMappings[i]

		value, found := lookupPath(record.Data, fm.SourcePath)
		if !found || value == nil {
			if fm.Default != nil {
				value = fm.Default
			} else if fm.Required {
				result.Errors = append(result.Errors, Issue{
					Code:     errcode.ValidationFailed,
					Field:    fm.TargetPath,
					Severity: errcode.SeverityError,
					Message:  fmt.Sprintf("required source field %q is missing", fm.SourcePath),
				})
				continue
			} else {
				continue
			}
		}

		if fm.Transform != "" {
			fn, ok := LookupTransform(fm.Transform)
			if !ok {
				result.Errors = append(result.Errors, Issue{
					Code:     errcode.TransformFailed,
					Field:    fm.TargetPath,
					Severity: errcode.SeverityError,
					Message:  fmt.Sprintf("unknown transform %q", fm.Transform),
				})
				continue
			}
			transformed, err := fn(value)
			if err != nil {
				result.Errors = append(result.Errors, Issue{
					Code:     errcode.TransformFailed,
					Field:    fm.TargetPath,
					Severity: errcode.SeverityError,
					Message:  fmt.Sprintf("transform %q failed: %v", fm.Transform, err),
				})
				continue
			}
			value = transformed
		}

		setEntityField(ent, fm.TargetPath, value)
	}
}

// runPostProcessors applies the mapping's post-processors in ascending
// priority order
func (e *defaultEngine) runPostProcessors(
	ctx context.Context, m *mapping.Mapping, record *entity.RawRecord, ent *entity.UnifiedEntity, result *Result,
) {
	if len(m.PostProcessors) == 0 {
		return
	}

	processors := append([]mapping.PostProcessor(nil), m.PostProcessors...)
	sort.SliceStable(processors, func(i, j int) bool {
		return processors[i].Priority < processors[j].Priority
	})

	pctx := &mapping.PostProcessContext{
		Record:    record,
		Store:     e.store,
		Reference: e.reference,
		Timestamp: e.now().UTC(),
	}

	for _, p := range processors {
		updated, err := p.Process(ctx, ent, pctx)
		if err != nil {
			result.Errors = append(result.Errors, Issue{
				Code:     errcode.TransformFailed,
				Severity: errcode.SeverityCritical,
				Message:  fmt.Sprintf("post-processor %q failed: %v", p.Name, err),
			})
			continue
		}
		if updated != nil {
			*ent = *updated
		}
	}
}

// validate runs the mapping's validation rules against the produced entity
func (*defaultEngine) validate(m *mapping.Mapping, ent *entity.UnifiedEntity, result *Result) {
	for i := range m.ValidationRules {
		rule := &m.ValidationRules[i]
		value, exists := getEntityField(ent, rule.Field)

		issue, failed := checkRule(rule, value, exists)
		if !failed {
			continue
		}
		if issue.Severity == errcode.SeverityWarning {
			result.Warnings = append(result.Warnings, issue)
		} else {
			result.Errors = append(result.Errors, issue)
		}
	}
}

// checkRule evaluates one validation rule; the bool reports failure
func checkRule(rule *mapping.ValidationRule, value any, exists bool) (Issue, bool) {
	issue := Issue{
		Code:  errcode.ValidationFailed,
		Field: rule.Field,
	}

	switch rule.Type {
	case mapping.ValidationRequired:
		if !exists || isEmptyValue(value) {
			issue.Severity = severityOr(rule, errcode.SeverityError)
			issue.Message = fmt.Sprintf("field %q is required", rule.Field)
			return issue, true
		}

	case mapping.ValidationEmail:
		if exists {
			if _, err := mail.ParseAddress(toString(value)); err != nil {
				issue.Severity = severityOr(rule, errcode.SeverityWarning)
				issue.Message = fmt.Sprintf("field %q is not a valid email address", rule.Field)
				return issue, true
			}
		}

	case mapping.ValidationURL:
		if exists {
			u, err := url.Parse(toString(value))
			if err != nil || u.Scheme == "" || u.Host == "" {
				issue.Severity = severityOr(rule, errcode.SeverityWarning)
				issue.Message = fmt.Sprintf("field %q is not a valid URL", rule.Field)
				return issue, true
			}
		}

	case mapping.ValidationDateRange:
		if exists {
			t, err := time.Parse(time.RFC3339, toString(value))
			if err != nil {
				issue.Severity = severityOr(rule, errcode.SeverityError)
				issue.Message = fmt.Sprintf("field %q is not a valid date", rule.Field)
				return issue, true
			}
			if out, msg := dateOutOfRange(t, rule); out {
				issue.Severity = severityOr(rule, errcode.SeverityError)
				issue.Message = msg
				return issue, true
			}
		}

	case mapping.ValidationNumberRange:
		if exists {
			parsed, err := transformParseNumber(value)
			if err != nil {
				issue.Severity = severityOr(rule, errcode.SeverityError)
				issue.Message = fmt.Sprintf("field %q is not numeric", rule.Field)
				return issue, true
			}
			n := parsed.(float64)
			if min, ok := numericBound(rule.Min); ok && n < min {
				issue.Severity = severityOr(rule, errcode.SeverityError)
				issue.Message = fmt.Sprintf("field %q is below minimum %v", rule.Field, min)
				return issue, true
			}
			if max, ok := numericBound(rule.Max); ok && n > max {
				issue.Severity = severityOr(rule, errcode.SeverityError)
				issue.Message = fmt.Sprintf("field %q exceeds maximum %v", rule.Field, max)
				return issue, true
			}
		}
	}

	return Issue{}, false
}

// qualityScore computes the data-quality score for a transformation
func (*defaultEngine) qualityScore(record *entity.RawRecord, ent *entity.UnifiedEntity, result *Result) int {
	score := 100

	for _, issue := range result.Errors {
		switch issue.Severity {
		case errcode.SeverityCritical:
			score -= penaltyCriticalIssue
		default:
			score -= penaltyErrorIssue
		}
	}
	score -= penaltyWarningIssue * len(result.Warnings)

	if strings.TrimSpace(ent.Title) == "" {
		score -= penaltyMissingTitle
	}

	switch record.Quality {
	case entity.QualityLow:
		score -= penaltyLowQuality
	case entity.QualityCorrupted:
		score -= penaltyCorruptedQuality
	}

	if len(ent.Tags) == 0 {
		score -= penaltyNoTags
	}

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}
	return score
}

// publishOutcome emits the completed or failed event for a transformation
func (e *defaultEngine) publishOutcome(record *entity.RawRecord, result *Result) {
	data := map[string]any{
		"recordId":     record.ID,
		"sourceType":   string(record.SourceType),
		"qualityScore": result.QualityScore,
	}
	if result.Entity != nil {
		data["entityId"] = result.Entity.ID
		data["entityType"] = string(result.Entity.Type)
	}

	if result.Success {
		e.bus.Publish(events.TransformCompleted, "transform", data)
	} else {
		if len(result.Errors) > 0 {
			data["error"] = result.Errors[0].Message
		} else if len(result.Warnings) > 0 {
			data["error"] = result.Warnings[0].Message
		}
		e.bus.Publish(events.TransformFailed, "transform", data)
		slog.Debug("Transformation failed",
			"record_id", record.ID,
			"source_type", record.SourceType,
			"errors", len(result.Errors))
	}
}

// hasBlockingIssue reports whether any issue blocks success
func hasBlockingIssue(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == errcode.SeverityError || issue.Severity == errcode.SeverityCritical {
			return true
		}
	}
	return false
}

// severityOr returns the rule's severity override or the given default
func severityOr(rule *mapping.ValidationRule, def errcode.Severity) errcode.Severity {
	switch errcode.Severity(rule.Severity) {
	case errcode.SeverityWarning, errcode.SeverityError, errcode.SeverityCritical:
		return errcode.Severity(rule.Severity)
	}
	return def
}

// isEmptyValue reports whether a required field counts as empty
func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// containsValue implements the contains condition for strings and slices
func containsValue(haystack, needle any) bool {
	want := fmt.Sprintf("%v", needle)
	switch val := haystack.(type) {
	case string:
		return strings.Contains(val, want)
	case []any:
		for _, item := range val {
			if fmt.Sprintf("%v", item) == want {
				return true
			}
		}
	case []string:
		for _, item := range val {
			if item == want {
				return true
			}
		}
	}
	return false
}

// compareNumeric compares two values after coercing both to float64
func compareNumeric(a, b any, cmp func(a, b float64) bool) bool {
	av, errA := transformParseNumber(a)
	bv, errB := transformParseNumber(b)
	if errA != nil || errB != nil {
		return false
	}
	return cmp(av.(float64), bv.(float64))
}

// numericBound coerces a rule bound to float64
func numericBound(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	parsed, err := transformParseNumber(v)
	if err != nil {
		return 0, false
	}
	return parsed.(float64), true
}

// dateOutOfRange checks a parsed date against the rule's bounds
func dateOutOfRange(t time.Time, rule *mapping.ValidationRule) (bool, string) {
	if rule.Min != nil {
		if min, err := time.Parse(time.RFC3339, toString(rule.Min)); err == nil && t.Before(min) {
			return true, fmt.Sprintf("field %q is before minimum date %s", rule.Field, min.Format(time.RFC3339))
		}
	}
	if rule.Max != nil {
		if max, err := time.Parse(time.RFC3339, toString(rule.Max)); err == nil && t.After(max) {
			return true, fmt.Sprintf("field %q is after maximum date %s", rule.Field, max.Format(time.RFC3339))
		}
	}
	return false, ""
}
