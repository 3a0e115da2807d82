package conflict

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/unisync/unisync/internal/change"
	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/entity"
)

// criticalFields is the fixed field set the basic pass compares between
// source and target versions
var criticalFields = []string{
	"status", "priority", "title",
	"metadata.progress", "metadata.scores", "metadata.kpiImpact", "metadata.expectedResults",
}

// numericToleranceFields are the fields whose numeric values tolerate a
// configurable delta before being flagged
var numericToleranceFields = map[string]bool{
	"metadata.progress": true,
	"metadata.scores":   true,
}

// illegalTransitions lists status transitions that always raise a
// business-rule conflict, read as target status -> proposed source status
var illegalTransitions = []struct{ from, to string }{
	{entity.StatusCompleted, entity.StatusDraft},
	{entity.StatusCancelled, entity.StatusActive},
	{entity.StatusArchived, entity.StatusActive},
}

// Business-rule conflict priorities
const (
	priorityIllegalTransition = 8
	priorityKPIDelta          = 7
	priorityDependency        = 9
)

// detectAll runs the three independent detection passes and concatenates
// their results
func (r *defaultResolver) detectAll(p *Proposal) []*Conflict {
	var conflicts []*Conflict
	conflicts = append(conflicts, r.detectBasic(p)...)
	conflicts = append(conflicts, r.detectBusinessRules(p)...)
	conflicts = append(conflicts, r.detectDependencies(p)...)
	return conflicts
}

// detectBasic finds version conflicts (concurrent updates by different
// actors) and critical-field divergence
func (r *defaultResolver) detectBasic(p *Proposal) []*Conflict {
	if p.Target == nil {
		// Creates have no prior target version to conflict with
		return nil
	}

	var conflicts []*Conflict

	// Version conflict: both sides touched by different actors within the
	// configured threshold of each other
	gap := p.Source.UpdatedAt.Sub(p.Target.UpdatedAt)
	if gap < 0 {
		gap = -gap
	}
	if p.Source.UpdatedBy != p.Target.UpdatedBy && gap <= r.cfg.Conflict.TimeThreshold {
		conflicts = append(conflicts, r.newConflict(p, TypeVersion, nil, 6,
			fmt.Sprintf("concurrent updates by %q and %q within %s",
				p.Source.UpdatedBy, p.Target.UpdatedBy, r.cfg.Conflict.TimeThreshold)))
	}

	// Field conflicts over the critical-field set
	var diverged []string
	var srcVal, tgtVal any
	for _, field := range criticalFields {
		sv, sOK := fieldValue(p.Source, field)
		tv, tOK := fieldValue(p.Target, field)
		if !sOK && !tOK {
			continue
		}
		if fieldsDiverge(field, sv, tv, r.cfg.Conflict.NumericToleranceDelta) {
			diverged = append(diverged, field)
			if srcVal == nil {
				srcVal, tgtVal = sv, tv
			}
		}
	}
	if len(diverged) > 0 {
		c := r.newConflict(p, TypeField, diverged, 5,
			fmt.Sprintf("critical fields diverged: %v", diverged))
		c.SourceValue, c.TargetValue = srcVal, tgtVal
		conflicts = append(conflicts, c)
	}

	return conflicts
}

// detectBusinessRules finds illegal status transitions and oversized KPI
// deltas; both force manual resolution
func (r *defaultResolver) detectBusinessRules(p *Proposal) []*Conflict {
	if p.Target == nil {
		return nil
	}

	var conflicts []*Conflict

	for _, t := range illegalTransitions {
		if p.Target.Status == t.from && p.Source.Status == t.to {
			c := r.newConflict(p, TypeBusinessRule, []string{"status"}, priorityIllegalTransition,
				fmt.Sprintf("illegal status transition %s -> %s", t.from, t.to))
			c.Strategy = config.StrategyManual
			c.Status = ResolutionEscalated
			c.SourceValue, c.TargetValue = p.Source.Status, p.Target.Status
			conflicts = append(conflicts, c)
		}
	}

	if p.Source.Type == entity.TypeKPI {
		if field, delta := maxKPIDelta(p.Source, p.Target); delta > r.cfg.Conflict.KPIDeltaThreshold {
			c := r.newConflict(p, TypeBusinessRule, []string{field}, priorityKPIDelta,
				fmt.Sprintf("KPI axis delta %.0f exceeds threshold %.0f", delta, r.cfg.Conflict.KPIDeltaThreshold))
			c.Strategy = config.StrategyManual
			c.Status = ResolutionEscalated
			conflicts = append(conflicts, c)
		}
	}

	return conflicts
}

// detectDependencies flags deletes whose target still has dependents
func (r *defaultResolver) detectDependencies(p *Proposal) []*Conflict {
	if p.Operation != change.OperationDelete || r.dependencyChecker == nil {
		return nil
	}

	dependents := r.dependencyChecker(p.Source)
	if len(dependents) == 0 {
		return nil
	}

	c := r.newConflict(p, TypeDependency, nil, priorityDependency,
		fmt.Sprintf("delete would orphan %d dependent entities", len(dependents)))
	c.Strategy = config.StrategyManual
	c.Status = ResolutionEscalated
	return []*Conflict{c}
}

// newConflict builds a conflict with the resolver's strategy table applied
func (r *defaultResolver) newConflict(
	p *Proposal, kind Type, fields []string, priority int, description string,
) *Conflict {
	return &Conflict{
		ID:               uuid.NewString(),
		OperationID:      p.OperationID,
		EntityID:         p.Source.ID,
		EntityType:       p.Source.Type,
		TargetSystem:     p.TargetSystem,
		Kind:             kind,
		ConflictedFields: fields,
		Priority:         priority,
		Strategy:         r.strategyFor(p.Source.Type),
		Status:           ResolutionPending,
		Description:      description,
		DetectedAt:       r.now().UTC(),
	}
}

// fieldValue reads a critical field from an entity
func fieldValue(e *entity.UnifiedEntity, field string) (any, bool) {
	switch field {
	case "status":
		return e.Status, e.Status != ""
	case "priority":
		return e.Priority, e.Priority != ""
	case "title":
		return e.Title, e.Title != ""
	default:
		if e.Metadata == nil {
			return nil, false
		}
		v, ok := e.Metadata[field[len("metadata."):]]
		return v, ok
	}
}

// fieldsDiverge compares two field values: objects structurally, numeric
// score/progress fields with the configured tolerance, everything else
// exactly
func fieldsDiverge(field string, source, target any, tolerance float64) bool {
	if numericToleranceFields[field] {
		if sn, sOK := asFloat(source); sOK {
			if tn, tOK := asFloat(target); tOK {
				return math.Abs(sn-tn) > tolerance
			}
		}
	}
	return !reflect.DeepEqual(source, target)
}

// maxKPIDelta returns the largest per-axis delta between the two sides'
// KPI scores
func maxKPIDelta(source, target *entity.UnifiedEntity) (string, float64) {
	sScores, _ := fieldValue(source, "metadata.scores")
	tScores, _ := fieldValue(target, "metadata.scores")

	sMap, sOK := sScores.(map[string]any)
	tMap, tOK := tScores.(map[string]any)
	if !sOK || !tOK {
		return "", 0
	}

	var worstField string
	var worst float64
	for axis, sv := range sMap {
		sn, okS := asFloat(sv)
		tn, okT := asFloat(tMap[axis])
		if !okS || !okT {
			continue
		}
		if delta := math.Abs(sn - tn); delta > worst {
			worst = delta
			worstField = "metadata.scores." + axis
		}
	}
	return worstField, worst
}

// asFloat coerces numeric values to float64
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// timePtr returns a pointer to t
func timePtr(t time.Time) *time.Time {
	return &t
}
