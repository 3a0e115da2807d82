package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unisync/unisync/internal/entity"
)

// TransformFunc converts a mapped field value
type TransformFunc func(value any) (any, error)

// kpiAxes is the closed set of KPI axes normalizeKPI keeps; unknown axes
// are dropped
var kpiAxes = map[string]bool{
	"revenue":      true,
	"growth":       true,
	"efficiency":   true,
	"quality":      true,
	"satisfaction": true,
}

// builtinTransforms maps transform names to their implementations
var builtinTransforms = map[string]TransformFunc{
	"uppercase":    transformUppercase,
	"lowercase":    transformLowercase,
	"trim":         transformTrim,
	"parseDate":    transformParseDate,
	"parseNumber":  transformParseNumber,
	"splitString":  transformSplitString,
	"joinArray":    transformJoinArray,
	"generateId":   transformGenerateID,
	"mapStatus":    transformMapStatus,
	"mapPriority":  transformMapPriority,
	"extractTags":  transformExtractTags,
	"normalizeKPI": transformNormalizeKPI,
}

// LookupTransform returns the named transform function
func LookupTransform(name string) (TransformFunc, bool) {
	fn, ok := builtinTransforms[name]
	return fn, ok
}

func transformUppercase(value any) (any, error) {
	return strings.ToUpper(toString(value)), nil
}

func transformLowercase(value any) (any, error) {
	return strings.ToLower(toString(value)), nil
}

func transformTrim(value any) (any, error) {
	return strings.TrimSpace(toString(value)), nil
}

// transformParseDate accepts RFC3339, date-only, and unix-seconds inputs
// and renders RFC3339 UTC
func transformParseDate(value any) (any, error) {
	switch val := value.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339), nil
	case float64:
		return time.Unix(int64(val), 0).UTC().Format(time.RFC3339), nil
	case int64:
		return time.Unix(val, 0).UTC().Format(time.RFC3339), nil
	case int:
		return time.Unix(int64(val), 0).UTC().Format(time.RFC3339), nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return nil, fmt.Errorf("unparseable date: %q", val)
	default:
		return nil, fmt.Errorf("unparseable date type %T", value)
	}
}

func transformParseNumber(value any) (any, error) {
	switch val := value.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable number: %q", val)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unparseable number type %T", value)
	}
}

func transformSplitString(value any) (any, error) {
	s := toString(value)
	if s == "" {
		return []string{}, nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

func transformJoinArray(value any) (any, error) {
	return strings.Join(toStringSlice(value), ", "), nil
}

func transformGenerateID(any) (any, error) {
	return uuid.NewString(), nil
}

// statusAliases maps source-system status vocabulary onto unified statuses
var statusAliases = map[string]string{
	"new":         entity.StatusDraft,
	"draft":       entity.StatusDraft,
	"planned":     entity.StatusDraft,
	"open":        entity.StatusActive,
	"active":      entity.StatusActive,
	"in_progress": entity.StatusActive,
	"inprogress":  entity.StatusActive,
	"running":     entity.StatusActive,
	"confirmed":   entity.StatusActive,
	"done":        entity.StatusCompleted,
	"completed":   entity.StatusCompleted,
	"finished":    entity.StatusCompleted,
	"closed":      entity.StatusCompleted,
	"cancelled":   entity.StatusCancelled,
	"canceled":    entity.StatusCancelled,
	"aborted":     entity.StatusCancelled,
	"archived":    entity.StatusArchived,
	"deleted":     entity.StatusArchived,
}

func transformMapStatus(value any) (any, error) {
	s := strings.ToLower(strings.TrimSpace(toString(value)))
	if mapped, ok := statusAliases[s]; ok {
		return mapped, nil
	}
	return entity.StatusDraft, nil
}

// priorityAliases maps source-system priority vocabulary onto unified priorities
var priorityAliases = map[string]string{
	"lowest":   entity.PriorityLow,
	"low":      entity.PriorityLow,
	"1":        entity.PriorityLow,
	"normal":   entity.PriorityMedium,
	"medium":   entity.PriorityMedium,
	"2":        entity.PriorityMedium,
	"high":     entity.PriorityHigh,
	"3":        entity.PriorityHigh,
	"urgent":   entity.PriorityCritical,
	"critical": entity.PriorityCritical,
	"4":        entity.PriorityCritical,
}

func transformMapPriority(value any) (any, error) {
	s := strings.ToLower(strings.TrimSpace(toString(value)))
	if mapped, ok := priorityAliases[s]; ok {
		return mapped, nil
	}
	return entity.PriorityMedium, nil
}

// transformExtractTags normalizes tag inputs (slice or comma string) into a
// deduplicated lowercase slice
func transformExtractTags(value any) (any, error) {
	var raw []string
	switch val := value.(type) {
	case string:
		split, _ := transformSplitString(val)
		raw, _ = split.([]string)
	default:
		raw = toStringSlice(value)
	}

	seen := make(map[string]bool, len(raw))
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	return tags, nil
}

// transformNormalizeKPI clamps each known axis value to [0,100] and drops
// unknown axes
func transformNormalizeKPI(value any) (any, error) {
	axes, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("normalizeKPI expects an object, got %T", value)
	}

	out := make(map[string]any, len(axes))
	for axis, raw := range axes {
		if !kpiAxes[strings.ToLower(axis)] {
			continue
		}
		parsed, err := transformParseNumber(raw)
		if err != nil {
			return nil, fmt.Errorf("axis %q: %w", axis, err)
		}
		n := parsed.(float64)
		if n < 0 {
			n = 0
		} else if n > 100 {
			n = 100
		}
		out[strings.ToLower(axis)] = n
	}
	return out, nil
}

// stringify is the slow-path string rendering used by toString
func stringify(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
