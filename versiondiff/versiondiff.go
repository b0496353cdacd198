// Package versiondiff computes a structural diff between two resolved
// workflow trees (the generic map[string]any shape versionstore.Version
// stores), for showing a client what changed between versions of the
// same template.
package versiondiff

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChangeType discriminates one entry of a Diff's Changes.
type ChangeType string

const (
	Changed ChangeType = "changed"
	Added   ChangeType = "added"
	Removed ChangeType = "removed"
)

type (
	// Change is one difference between old and new, at Path (a
	// dot/bracket path such as "steps[0].modules[1].inputs.prompt").
	Change struct {
		Type     ChangeType
		Path     string
		OldValue any
		NewValue any
	}

	// Diff is the full comparison result between two workflow trees.
	Diff struct {
		HasChanges bool
		Summary    string
		Changes    []Change
	}
)

// defaultIgnorePaths are substrings that, when present anywhere in a
// computed path, exclude that change from the result entirely —
// bookkeeping fields that change on every save without reflecting a
// meaningful edit.
var defaultIgnorePaths = []string{
	"_state_mapped",
	"created_at",
	"updated_at",
}

// binaryMarkers flag a changed value as binary/opaque content not worth
// diffing inline (an embedded data URI or file path to one).
var binaryMarkers = []string{
	"data:image", "data:application",
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg",
	".mp3", ".wav", ".mp4", ".mov",
	".pdf", ".zip", ".tar", ".gz",
}

// Compute compares oldWorkflow against newWorkflow and returns their
// structural diff. Both are walked after whitespace-normalizing every
// string leaf, so a change that is purely trailing whitespace or line
// ending differences is never reported.
func Compute(oldWorkflow, newWorkflow map[string]any) Diff {
	old := normalize(oldWorkflow)
	neu := normalize(newWorkflow)

	var changes []Change
	walk("", old, neu, &changes)

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	if len(changes) == 0 {
		return Diff{HasChanges: false, Summary: "No changes"}
	}

	var changed, added, removed int
	for _, c := range changes {
		switch c.Type {
		case Changed:
			changed++
		case Added:
			added++
		case Removed:
			removed++
		}
	}

	var parts []string
	if changed > 0 {
		parts = append(parts, fmt.Sprintf("%d changed", changed))
	}
	if added > 0 {
		parts = append(parts, fmt.Sprintf("%d added", added))
	}
	if removed > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", removed))
	}

	return Diff{HasChanges: true, Summary: strings.Join(parts, ", "), Changes: changes}
}

func walk(path string, old, neu any, changes *[]Change) {
	oldMap, oldIsMap := old.(map[string]any)
	neuMap, neuIsMap := neu.(map[string]any)
	if oldIsMap && neuIsMap {
		walkMap(path, oldMap, neuMap, changes)
		return
	}

	oldSlice, oldIsSlice := old.([]any)
	neuSlice, neuIsSlice := neu.([]any)
	if oldIsSlice && neuIsSlice {
		walkSlice(path, oldSlice, neuSlice, changes)
		return
	}

	if !valuesEqual(old, neu) {
		record(changes, Changed, path, old, neu)
	}
}

// walkSlice diffs two lists order-insensitively: each new item is
// matched against the first not-yet-matched equal old item; unmatched
// map items are then paired in order and walked into, so an edit inside
// one is reported at its own path; remaining survivors are reported as
// added (new) or removed (old), mirroring DeepDiff's ignore_order=True
// comparison the original relies on so reordering a list alone never
// shows up as a change.
func walkSlice(path string, old, neu []any, changes *[]Change) {
	usedOld := make([]bool, len(old))
	usedNeu := make([]bool, len(neu))
	for i, nv := range neu {
		for j, ov := range old {
			if usedOld[j] {
				continue
			}
			if deepEqual(ov, nv) {
				usedOld[j] = true
				usedNeu[i] = true
				break
			}
		}
	}
	j := 0
	for i, nv := range neu {
		if _, ok := nv.(map[string]any); !ok || usedNeu[i] {
			continue
		}
		for ; j < len(old); j++ {
			if _, ok := old[j].(map[string]any); ok && !usedOld[j] {
				break
			}
		}
		if j == len(old) {
			break
		}
		usedOld[j], usedNeu[i] = true, true
		walk(joinIndex(path, i), old[j], nv, changes)
		j++
	}
	for i, nv := range neu {
		if !usedNeu[i] {
			record(changes, Added, joinIndex(path, i), nil, nv)
		}
	}
	for j, ov := range old {
		if !usedOld[j] {
			record(changes, Removed, joinIndex(path, j), ov, nil)
		}
	}
}

func deepEqual(a, b any) bool {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap || bIsMap {
		if !aIsMap || !bIsMap || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice || bIsSlice {
		if !aIsSlice || !bIsSlice || len(as) != len(bs) {
			return false
		}
		var sub []Change
		walkSlice("", as, bs, &sub)
		return len(sub) == 0
	}

	return valuesEqual(a, b)
}

func walkMap(path string, old, neu map[string]any, changes *[]Change) {
	for k, oldVal := range old {
		childPath := joinDot(path, k)
		neuVal, ok := neu[k]
		if !ok {
			record(changes, Removed, childPath, oldVal, nil)
			continue
		}
		walk(childPath, oldVal, neuVal, changes)
	}
	for k, neuVal := range neu {
		if _, ok := old[k]; ok {
			continue
		}
		record(changes, Added, joinDot(path, k), nil, neuVal)
	}
}

func record(changes *[]Change, typ ChangeType, path string, oldVal, newVal any) {
	if ignoredPath(path) {
		return
	}
	if typ == Changed && isBinaryPath(path) {
		return
	}
	c := Change{Type: typ, Path: path}
	if typ != Added {
		c.OldValue = oldVal
	}
	if typ != Removed {
		c.NewValue = newVal
	}
	*changes = append(*changes, c)
}

func ignoredPath(path string) bool {
	for _, p := range defaultIgnorePaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func isBinaryPath(path string) bool {
	lower := strings.ToLower(path)
	for _, m := range binaryMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func joinDot(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func joinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

// normalize deep-copies v, trimming trailing whitespace from every line
// of every string leaf and trimming the whole string, matching
// _preprocess_workflow's whitespace normalization so a diff never
// reports a change that is purely cosmetic formatting.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalize(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalize(child)
		}
		return out
	case string:
		return normalizeWhitespace(val)
	default:
		return val
	}
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// valuesEqual compares two non-container leaf values for equality,
// treating numeric values that differ only by Go/JSON's int-vs-float64
// representation as equal (the resolved workflow maps both sides are
// unmarshaled from JSON/BSON, where an integer literal may decode as
// either depending on the source).
func valuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
