package transform

import (
	"strings"

	"github.com/unisync/unisync/internal/entity"
)

// Entity fields addressable by dotted paths. The well-known scalar fields
// map onto entity struct fields; everything else lands in Metadata.
// Keeping the path vocabulary closed here avoids stringly-typed writes
// scattering across the codebase.
const (
	pathTitle       = "title"
	pathDescription = "description"
	pathStatus      = "status"
	pathPriority    = "priority"
	pathTags        = "tags"
	metadataPrefix  = "metadata."
)

// lookupPath reads a dotted path from a nested map. The second return is
// false when any segment is missing.
func lookupPath(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	var current any = data
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes a dotted path into a nested map, creating intermediate
// maps as needed
func setPath(data map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := data
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// setEntityField writes a mapped value onto the entity. Well-known scalar
// paths hit typed fields; metadata.* paths and anything unknown go into the
// Metadata map.
func setEntityField(e *entity.UnifiedEntity, path string, value any) {
	switch path {
	case pathTitle:
		e.Title = toString(value)
	case pathDescription:
		e.Description = toString(value)
	case pathStatus:
		e.Status = toString(value)
	case pathPriority:
		e.Priority = toString(value)
	case pathTags:
		e.Tags = toStringSlice(value)
	default:
		if e.Metadata == nil {
			e.Metadata = make(map[string]any)
		}
		setPath(e.Metadata, strings.TrimPrefix(path, metadataPrefix), value)
	}
}

// getEntityField reads a dotted path from the entity, mirroring setEntityField
func getEntityField(e *entity.UnifiedEntity, path string) (any, bool) {
	switch path {
	case pathTitle:
		return e.Title, e.Title != ""
	case pathDescription:
		return e.Description, e.Description != ""
	case pathStatus:
		return e.Status, e.Status != ""
	case pathPriority:
		return e.Priority, e.Priority != ""
	case pathTags:
		return e.Tags, len(e.Tags) > 0
	default:
		return lookupPath(e.Metadata, strings.TrimPrefix(path, metadataPrefix))
	}
}

// toString renders a mapped value as a string without fmt round-tripping
// for the common cases
func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return stringify(val)
	}
}

// toStringSlice coerces a mapped value into a string slice
func toStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, toString(item))
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}
