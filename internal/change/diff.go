package change

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/unisync/unisync/internal/entity"
)

// Checksum returns the sha256 hex digest of the entity's canonical JSON
// form, excluding volatile provenance timestamps so a re-transform of
// unchanged data hashes identically.
func Checksum(e *entity.UnifiedEntity) string {
	view := map[string]any{
		"type":        e.Type,
		"title":       e.Title,
		"description": e.Description,
		"status":      e.Status,
		"priority":    e.Priority,
		"tags":        e.Tags,
		"metadata":    e.Metadata,
	}

	// json.Marshal sorts map keys, which gives a canonical byte form
	data, err := json.Marshal(view)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DiffEntities returns the sorted dotted paths at which the two entities
// differ. Nested metadata maps are descended recursively.
func DiffEntities(previous, current *entity.UnifiedEntity) []string {
	var changed []string

	scalar := func(path, a, b string) {
		if a != b {
			changed = append(changed, path)
		}
	}
	scalar("title", previous.Title, current.Title)
	scalar("description", previous.Description, current.Description)
	scalar("status", previous.Status, current.Status)
	scalar("priority", previous.Priority, current.Priority)

	if !reflect.DeepEqual(previous.Tags, current.Tags) {
		changed = append(changed, "tags")
	}

	changed = append(changed, diffMaps("metadata", previous.Metadata, current.Metadata)...)

	sort.Strings(changed)
	return changed
}

// diffMaps recursively diffs two maps, producing dotted paths under prefix
func diffMaps(prefix string, previous, current map[string]any) []string {
	var changed []string

	keys := make(map[string]bool, len(previous)+len(current))
	for k := range previous {
		keys[k] = true
	}
	for k := range current {
		keys[k] = true
	}

	for k := range keys {
		path := prefix + "." + k
		prevVal, prevOK := previous[k]
		curVal, curOK := current[k]

		if prevOK != curOK {
			changed = append(changed, path)
			continue
		}

		prevMap, prevIsMap := prevVal.(map[string]any)
		curMap, curIsMap := curVal.(map[string]any)
		if prevIsMap && curIsMap {
			changed = append(changed, diffMaps(path, prevMap, curMap)...)
			continue
		}

		if !looselyEqual(prevVal, curVal) {
			changed = append(changed, path)
		}
	}

	return changed
}

// looselyEqual compares values after normalizing numeric types, since
// metadata round-trips through JSON where all numbers become float64
func looselyEqual(a, b any) bool {
	if na, ok := asFloat(a); ok {
		if nb, ok := asFloat(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

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
