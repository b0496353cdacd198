// Package exprengine is a Resolver backed by github.com/expr-lang/expr: a
// Jinja-style "{{ expression }}" placeholder syntax for arbitrary-value
// substitution, plus a "$step.<dotted path>" shorthand for referencing
// state without writing a full expression.
package exprengine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/workflowmanager/engine/resolver"
)

// placeholderPattern matches "{{ ... }}" template expressions; dotAll is
// not needed since expressions are expected to be single-line.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// stepShorthandPattern matches a raw string that is entirely a
// "$step.<path>" reference, with nothing else around it.
var stepShorthandPattern = regexp.MustCompile(`^\$step\.([A-Za-z0-9_.]+)$`)

// Engine resolves input trees using expr-lang expressions. It caches
// compiled programs across calls since the same expression strings
// recur across workflow steps.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

var _ resolver.Resolver = (*Engine)(nil)

// New returns an Engine with an empty compiled-expression cache.
func New() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// Resolve implements resolver.Resolver.
func (e *Engine) Resolve(_ context.Context, rawInputs map[string]any, state, stepConfig, workflowConfig map[string]any) (map[string]any, error) {
	env := map[string]any{
		"state":    state,
		"step":     stepConfig,
		"workflow": workflowConfig,
	}

	resolved, err := resolver.WalkStrings(rawInputs, func(s string) (any, error) {
		return e.resolveString(s, state, env)
	})
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	return out, nil
}

func (e *Engine) resolveString(s string, state map[string]any, env map[string]any) (any, error) {
	if m := stepShorthandPattern.FindStringSubmatch(s); m != nil {
		value, ok := getPath(state, m[1])
		if !ok {
			return nil, fmt.Errorf("exprengine: $step.%s not found in state", m[1])
		}
		return value, nil
	}

	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one placeholder resolves to the
	// expression's raw value (so numbers/objects/booleans survive
	// without stringification); anything else is Jinja-style
	// interpolation into the surrounding text.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expression := s[matches[0][2]:matches[0][3]]
		return e.eval(expression, env)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expression := s[m[2]:m[3]]
		value, err := e.eval(expression, env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (e *Engine) eval(expression string, env map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, fmt.Errorf("exprengine: compile %q: %w", expression, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("exprengine: evaluate %q: %w", expression, err)
	}
	return result, nil
}

func (e *Engine) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

func getPath(m map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = m
	for _, p := range parts {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = asMap[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
