// Package moduleregistry maps a module id to its implementation: an
// executable module (pure request/response), an interactive module (asks
// the user something before it can produce outputs), or an interactive
// module that also knows how to drive a self-contained sub-action.
package moduleregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/workflowmanager/engine/schema"
)

// ExecutionContext carries the run-scoped information a module needs to
// execute: which run/branch/step it runs under and the state map derived
// so far, for modules that read more than their resolved inputs.
type ExecutionContext struct {
	RunID      string
	BranchID   string
	StepID     string
	ModuleName string
	State      map[string]any
}

// InteractionRequest is what an interactive module's GetInteractionRequest
// returns; the executor appends it as an interaction_requested event with
// the module's resolved inputs attached so downstream components can
// re-derive context without re-resolving.
type InteractionRequest struct {
	InteractionID        string
	InteractionType      string
	DisplayPayload       map[string]any
	SelectionConstraints map[string]any
	ResolvedInputs       map[string]any
	Groups               []string
	ExtraOptions         map[string]any
}

// SubActionEvent is one item yielded by a self-driven sub-action generator.
// Kind is either "progress" or "result"; exactly one "result" event ends
// the stream.
type SubActionEvent struct {
	Kind string
	Data map[string]any
}

const (
	SubActionProgress = "progress"
	SubActionResult   = "result"
)

type (
	// Module is the common contract every registered implementation
	// satisfies: an id and declared input/output contracts.
	Module interface {
		ModuleID() string
		InputSchema() *schema.Schema
		OutputSchema() *schema.Schema
	}

	// ExecutableModule performs one synchronous (from the executor's
	// perspective) unit of work and returns outputs.
	ExecutableModule interface {
		Module
		Execute(ctx context.Context, inputs map[string]any, ectx ExecutionContext) (map[string]any, error)
	}

	// InteractiveModule additionally requires a round trip through a
	// human or external responder before it can produce outputs.
	InteractiveModule interface {
		Module
		GetInteractionRequest(ctx context.Context, inputs map[string]any, ectx ExecutionContext) (InteractionRequest, error)
		ExecuteWithResponse(ctx context.Context, inputs map[string]any, ectx ExecutionContext, response map[string]any) (map[string]any, error)
	}

	// SubActionModule is an InteractiveModule that can also drive a
	// self-contained sub-action stream without waiting for the parent
	// interaction to resolve.
	SubActionModule interface {
		InteractiveModule
		SubAction(ctx context.Context, inputs map[string]any, ectx ExecutionContext) (<-chan SubActionEvent, error)
	}

	// ResolvedAddon is one addon's resolved inputs, ready to be attached
	// to an interactive module before its interaction request is built.
	ResolvedAddon struct {
		ID     string
		Inputs map[string]any
	}

	// AddonCapable is implemented by interactive modules that accept
	// addon injection. WithAddons returns a module (often the same
	// instance) configured to use addons for the next
	// GetInteractionRequest call; the registry and executor never
	// interpret addon contents themselves.
	AddonCapable interface {
		InteractiveModule
		WithAddons(addons []ResolvedAddon) InteractiveModule
	}
)

// ErrNotFound is returned when a module id has no registered
// implementation.
var ErrNotFound = errors.New("moduleregistry: module not found")

// ErrWrongVariant is returned when a module is registered but does not
// implement the requested variant (e.g. looking up an executable module
// that is actually interactive).
var ErrWrongVariant = errors.New("moduleregistry: module does not implement requested variant")

// Registry is a discovery-time id → implementation map. It is safe for
// concurrent use; modules are normally registered once at startup and
// looked up many times during execution.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds m under its ModuleID. Registering a second module under
// the same id is an error; ids are assigned once at discovery time and
// never reassigned at runtime.
func (r *Registry) Register(m Module) error {
	if m == nil {
		return errors.New("moduleregistry: cannot register nil module")
	}
	id := m.ModuleID()
	if id == "" {
		return errors.New("moduleregistry: module id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[id]; exists {
		return fmt.Errorf("moduleregistry: module %q already registered", id)
	}
	r.modules[id] = m
	return nil
}

// Lookup returns the module registered under id.
func (r *Registry) Lookup(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return m, nil
}

// LookupExecutable returns the module registered under id, asserting it
// implements ExecutableModule.
func (r *Registry) LookupExecutable(id string) (ExecutableModule, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	em, ok := m.(ExecutableModule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not executable", ErrWrongVariant, id)
	}
	return em, nil
}

// LookupInteractive returns the module registered under id, asserting it
// implements InteractiveModule.
func (r *Registry) LookupInteractive(id string) (InteractiveModule, error) {
	m, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	im, ok := m.(InteractiveModule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not interactive", ErrWrongVariant, id)
	}
	return im, nil
}

// IsInteractive reports whether the module registered under id implements
// InteractiveModule, without requiring the caller to handle ErrNotFound
// separately from ErrWrongVariant.
func (r *Registry) IsInteractive(id string) bool {
	m, err := r.Lookup(id)
	if err != nil {
		return false
	}
	_, ok := m.(InteractiveModule)
	return ok
}

// IDs returns every registered module id, in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	return ids
}
