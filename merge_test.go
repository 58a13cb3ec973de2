package quoteflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeState_ShallowReplace(t *testing.T) {
	current := map[string]any{
		"customer_id": "cust-1",
		"notes":       map[string]any{"a": 1},
	}
	update := map[string]any{
		"customer_id": "cust-2",
		"notes":       map[string]any{"b": 2},
	}
	merged := MergeState(current, update)

	require.Equal(t, "cust-2", merged["customer_id"])
	// "notes" is not a curated deep-merge field: replaced wholesale
	require.Equal(t, map[string]any{"b": 2}, merged["notes"])
}

func TestMergeState_DeepMergeCuratedFields(t *testing.T) {
	current := map[string]any{
		"parsed_data": map[string]any{
			"request_text": "original",
			"language":     "en",
		},
	}
	update := map[string]any{
		"parsed_data": map[string]any{
			"item_count": 3,
		},
	}
	merged := MergeState(current, update)

	parsed, ok := merged["parsed_data"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "original", parsed["request_text"])
	require.Equal(t, "en", parsed["language"])
	require.Equal(t, 3, parsed["item_count"])
}

func TestMergeState_NestedRecursion(t *testing.T) {
	current := map[string]any{
		"quote": map[string]any{
			"totals": map[string]any{"subtotal": 10.0},
		},
	}
	update := map[string]any{
		"quote": map[string]any{
			"totals":   map[string]any{"tax": 0.8},
			"currency": "USD",
		},
	}
	merged := MergeState(current, update)

	quote := merged["quote"].(map[string]any)
	totals := quote["totals"].(map[string]any)
	require.Equal(t, 10.0, totals["subtotal"])
	require.Equal(t, 0.8, totals["tax"])
	require.Equal(t, "USD", quote["currency"])
}

func TestMergeState_CuratedFieldReplacedWhenNotBothMaps(t *testing.T) {
	current := map[string]any{"quote": "draft"}
	update := map[string]any{"quote": map[string]any{"subtotal": 5.0}}
	merged := MergeState(current, update)
	require.Equal(t, map[string]any{"subtotal": 5.0}, merged["quote"])

	merged = MergeState(update, current)
	require.Equal(t, "draft", merged["quote"])
}

func TestMergeState_DoesNotMutateArguments(t *testing.T) {
	current := map[string]any{
		"parsed_data": map[string]any{"a": 1},
	}
	update := map[string]any{
		"parsed_data": map[string]any{"b": 2},
	}
	_ = MergeState(current, update)

	require.Equal(t, map[string]any{"a": 1}, current["parsed_data"])
	require.Equal(t, map[string]any{"b": 2}, update["parsed_data"])
}

func TestMergeState_EmptyInputs(t *testing.T) {
	merged := MergeState(nil, map[string]any{"a": 1})
	require.Equal(t, map[string]any{"a": 1}, merged)

	merged = MergeState(map[string]any{"a": 1}, nil)
	require.Equal(t, map[string]any{"a": 1}, merged)

	merged = MergeState(nil, nil)
	require.NotNil(t, merged)
	require.Empty(t, merged)
}

func TestCopyMap(t *testing.T) {
	original := map[string]any{
		"scalar": "value",
		"nested": map[string]any{"k": 1},
		"list":   []any{map[string]any{"x": true}},
	}
	copied := CopyMap(original)
	require.Equal(t, original, copied)

	copied["nested"].(map[string]any)["k"] = 99
	copied["list"].([]any)[0].(map[string]any)["x"] = false

	require.Equal(t, 1, original["nested"].(map[string]any)["k"])
	require.Equal(t, true, original["list"].([]any)[0].(map[string]any)["x"])
}

func TestCopyMap_Nil(t *testing.T) {
	require.Nil(t, CopyMap(nil))
}
