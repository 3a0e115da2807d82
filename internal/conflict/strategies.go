package conflict

import (
	"math"
	"reflect"

	"github.com/unisync/unisync/internal/config"
	"github.com/unisync/unisync/internal/entity"
)

// CustomResolver resolves conflicts for one entity type under the custom
// strategy. It returns the entity to write, or false to fall back to
// latest_wins.
type CustomResolver func(c *Conflict, source, target *entity.UnifiedEntity) (*entity.UnifiedEntity, bool)

// defaultStrategyTable maps entity types to their default resolution
// strategy; config entity-type rules override it
var defaultStrategyTable = map[entity.Type]string{
	entity.TypeKPI:            config.StrategyLatestWins,
	entity.TypeTask:           config.StrategyLatestWins,
	entity.TypeProject:        config.StrategyMergeFields,
	entity.TypeEvent:          config.StrategySourceWins,
	entity.TypeRecommendation: config.StrategySourceWins,
}

// strategyFor returns the resolution strategy for an entity type:
// a config override first, then the built-in table, then the global default
func (r *defaultResolver) strategyFor(t entity.Type) string {
	if etCfg, ok := r.cfg.EntityTypes[string(t)]; ok && etCfg.ConflictStrategy != "" {
		return etCfg.ConflictStrategy
	}
	if s, ok := defaultStrategyTable[t]; ok {
		return s
	}
	return r.cfg.Conflict.DefaultStrategy
}

// applyStrategy produces the resolved entity for one conflict. The bool is
// false when the strategy cannot resolve automatically (manual).
func (r *defaultResolver) applyStrategy(c *Conflict, source, target *entity.UnifiedEntity) (*entity.UnifiedEntity, bool) {
	switch c.Strategy {
	case config.StrategySourceWins:
		return source.Clone(), true

	case config.StrategyTargetWins:
		return target.Clone(), true

	case config.StrategyLatestWins:
		return resolveLatestWins(c, source, target), true

	case config.StrategyMergeFields:
		return resolveMergeFields(c, source, target), true

	case config.StrategyCustom:
		r.mu.Lock()
		custom, ok := r.customResolvers[source.Type]
		r.mu.Unlock()
		if ok {
			if resolved, handled := custom(c, source, target); handled {
				return resolved, true
			}
		}
		return resolveLatestWins(c, source, target), true

	default:
		// manual and anything unknown cannot auto-resolve
		return nil, false
	}
}

// resolveLatestWins picks, per conflicted field, the side modified later;
// ties favor the source
func resolveLatestWins(c *Conflict, source, target *entity.UnifiedEntity) *entity.UnifiedEntity {
	if target.UpdatedAt.After(source.UpdatedAt) {
		resolved := source.Clone()
		for _, field := range c.ConflictedFields {
			if v, ok := fieldValue(target, field); ok {
				setField(resolved, field, v)
			}
		}
		return resolved
	}
	// Source is newer or tied: source values stand
	return source.Clone()
}

// resolveMergeFields merges the two sides field by field: arrays are
// unioned and deduplicated, objects shallow-merged with source precedence,
// numeric score/progress fields averaged and rounded, all other types
// default to the source value
func resolveMergeFields(c *Conflict, source, target *entity.UnifiedEntity) *entity.UnifiedEntity {
	resolved := source.Clone()

	// Tags always merge as a union
	resolved.Tags = unionStrings(source.Tags, target.Tags)

	for _, field := range c.ConflictedFields {
		sv, sOK := fieldValue(source, field)
		tv, tOK := fieldValue(target, field)
		if !sOK || !tOK {
			continue
		}
		setField(resolved, field, mergeValues(field, sv, tv))
	}
	return resolved
}

// mergeValues merges one field's diverging values by shape
func mergeValues(field string, source, target any) any {
	if numericToleranceFields[field] {
		if sn, okS := asFloat(source); okS {
			if tn, okT := asFloat(target); okT {
				return math.Round((sn + tn) / 2)
			}
		}
	}

	switch sv := source.(type) {
	case []any:
		if tv, ok := target.([]any); ok {
			return unionAny(sv, tv)
		}
	case []string:
		if tv, ok := target.([]string); ok {
			return unionStrings(sv, tv)
		}
	case map[string]any:
		if tv, ok := target.(map[string]any); ok {
			merged := make(map[string]any, len(sv)+len(tv))
			for k, v := range tv {
				merged[k] = v
			}
			// Source takes precedence on key collisions
			for k, v := range sv {
				merged[k] = v
			}
			return merged
		}
	}

	return source
}

// setField writes a resolved value back onto the entity, mirroring fieldValue
func setField(e *entity.UnifiedEntity, field string, value any) {
	switch field {
	case "status":
		if s, ok := value.(string); ok {
			e.Status = s
		}
	case "priority":
		if s, ok := value.(string); ok {
			e.Priority = s
		}
	case "title":
		if s, ok := value.(string); ok {
			e.Title = s
		}
	default:
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		e.Metadata[field[len("metadata."):]] = value
	}
}

// unionStrings unions two string slices preserving first-seen order
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// unionAny unions two value slices using structural equality
func unionAny(a, b []any) []any {
	out := append([]any(nil), a...)
	for _, item := range b {
		duplicate := false
		for _, existing := range out {
			if reflect.DeepEqual(item, existing) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, item)
		}
	}
	return out
}
