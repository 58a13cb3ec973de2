package quoteflow

// deepMergeKeys are the curated top-level state fields that merge
// key-by-key instead of being replaced wholesale. A stage that emits
// only a subset of one of these bundles must not clobber sibling keys
// written by an earlier stage.
var deepMergeKeys = map[string]bool{
	"parsed_data":     true,
	"duplicate_check": true,
	"line_items":      true,
	"quote":           true,
}

// MergeState merges a partial state update into the current accumulated
// state and returns a new map; neither argument is mutated. The merge is
// shallow at the top level except for the curated nested fields, which
// merge recursively. Any field not on the curated list is replaced
// wholesale.
func MergeState(current, update map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		if deepMergeKeys[k] {
			cur, curOK := merged[k].(map[string]any)
			upd, updOK := v.(map[string]any)
			if curOK && updOK {
				merged[k] = mergeMaps(cur, upd)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// mergeMaps recursively merges update into current, returning a new map.
// Non-map values replace; map values merge key-by-key.
func mergeMaps(current, update map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		cur, curOK := merged[k].(map[string]any)
		upd, updOK := v.(map[string]any)
		if curOK && updOK {
			merged[k] = mergeMaps(cur, upd)
			continue
		}
		merged[k] = v
	}
	return merged
}

// CopyMap returns a deep copy of a structured state or metadata map.
// Nested maps and slices are copied; scalar values are shared.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
