// Package resolver defines the pure inputs-tree resolution contract used
// by the Executor: given a raw inputs tree plus the current state, step
// config, and workflow config, produce a resolved tree. Resolution itself
// is a pluggable external dependency (Jinja-style expressions plus
// "$step.*" shorthand references, per the bundled resolver/exprengine
// adapter); the core only guarantees purity — a Resolver must never
// mutate the state it is given.
package resolver

import "context"

// Resolver resolves rawInputs against state/stepConfig/workflowConfig
// without mutating any of them.
type Resolver interface {
	Resolve(ctx context.Context, rawInputs map[string]any, state, stepConfig, workflowConfig map[string]any) (map[string]any, error)
}

// WalkStrings recursively rebuilds tree, replacing every string leaf with
// the result of fn. Maps and slices are copied (never mutated in place)
// so a Resolver built on WalkStrings is pure by construction; other leaf
// types (numbers, booleans, nil) pass through unchanged.
func WalkStrings(tree any, fn func(string) (any, error)) (any, error) {
	switch v := tree.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			resolved, err := WalkStrings(val, fn)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			resolved, err := WalkStrings(val, fn)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return fn(v)
	default:
		return v, nil
	}
}
