package versionstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// ContentHash computes the deduplication key for a resolved workflow tree:
// a sha256 digest of its canonical (sorted-key) JSON encoding, prefixed
// "sha256:" to match the scheme's self-describing form.
func ContentHash(resolvedWorkflow map[string]any) string {
	canonical := canonicalJSON(resolvedWorkflow)
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// canonicalJSON serializes v with map keys sorted at every level, so that
// two semantically identical trees produce byte-identical output regardless
// of map iteration order. normalize deep-copies the map[string]any and
// []any levels of the tree; other values pass through unchanged.
// encoding/json writes map keys in sorted order at every level.
func canonicalJSON(v any) []byte {
	normalized := normalize(v)
	b, err := json.Marshal(normalized)
	if err != nil {
		return nil
	}
	return b
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = normalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}
