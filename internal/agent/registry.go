package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/gadgetrt/internal/hooks"
	"github.com/haasonsaas/gadgetrt/pkg/models"
)

// GadgetOutput is what a Gadget implementation returns from Execute. The
// Scheduler wraps it into a GadgetExecutionResult, attaching the
// invocation id, the original parameters, and timing (spec.md §4.2/§4.7).
type GadgetOutput struct {
	Result       string
	MediaOutputs []models.Attachment
	MediaIDs     []string
}

// Gadget is one capability the agent loop can invoke (spec.md §4.2). The
// core never loads gadgets from disk or a marketplace (Non-goal); callers
// register concrete implementations before starting a run.
type Gadget interface {
	// Name is the identifier used in !!!GADGET_START:<Name>:... blocks.
	Name() string

	// Description is shown to the model alongside Schema when building
	// the gadget catalogue for a completion request.
	Description() string

	// Schema is the JSON Schema describing this gadget's parameters.
	Schema() json.RawMessage

	// Execute runs the gadget with already-validated, already-coerced
	// parameters assembled by the Block Parser.
	Execute(ctx context.Context, params map[string]any) (*GadgetOutput, error)
}

// Descriptor holds per-gadget scheduling metadata layered on top of the
// Gadget implementation itself (spec.md §4.7).
type Descriptor struct {
	Gadget Gadget

	// TimeoutMs bounds a single invocation. Zero means no per-call
	// timeout is applied (the run-level context still governs).
	TimeoutMs int64

	// IsSubagent marks gadgets that spawn a nested agent loop. Such
	// gadgets receive a fresh Hook Bus rather than inheriting the
	// parent's full registration set (see Open Question decision in
	// DESIGN.md: SubagentHooks is explicit, never implicit).
	IsSubagent    bool
	SubagentHooks []hooks.Registration
}

// Validator checks a gadget's assembled parameters against its schema
// before execution. The core ships a jsonschema/v5-backed default but
// never owns a schema-definition DSL (Non-goal): callers may substitute
// any Validator.
type Validator interface {
	Validate(schema json.RawMessage, params map[string]any) error
}

// SchemaValidator is the default Validator, backed by
// santhosh-tekuri/jsonschema/v5. Compiled schemas are cached per gadget
// name so repeated calls across iterations don't re-parse.
type SchemaValidator struct {
	mu     sync.Mutex
	cached map[string]*jsonschema.Schema
}

// NewSchemaValidator returns a ready-to-use SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cached: make(map[string]*jsonschema.Schema)}
}

// Validate compiles schema (once, cached by its raw bytes as key) and
// validates params against it.
func (v *SchemaValidator) Validate(schema json.RawMessage, params map[string]any) error {
	v.mu.Lock()
	key := string(schema)
	compiled, ok := v.cached[key]
	if !ok {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("inline.json", bytes.NewReader(schema)); err != nil {
			v.mu.Unlock()
			return fmt.Errorf("compile gadget schema: %w", err)
		}
		s, err := compiler.Compile("inline.json")
		if err != nil {
			v.mu.Unlock()
			return fmt.Errorf("compile gadget schema: %w", err)
		}
		compiled = s
		v.cached[key] = compiled
	}
	v.mu.Unlock()

	// jsonschema validates interface{} built from json.Unmarshal, which
	// produces the same map[string]any/[]any/float64 shapes the Block
	// Parser's coercion already yields.
	if err := compiled.ValidateInterface(params); err != nil {
		return fmt.Errorf("gadget parameters: %w", err)
	}
	return nil
}

// Registry holds registered gadgets, keyed by name, with thread-safe
// registration and lookup (grounded on ToolRegistry's mutex/map shape).
type Registry struct {
	mu        sync.RWMutex
	gadgets   map[string]*Descriptor
	validator Validator
}

// NewRegistry creates an empty Registry. If validator is nil, a
// SchemaValidator is used.
func NewRegistry(validator Validator) *Registry {
	if validator == nil {
		validator = NewSchemaValidator()
	}
	return &Registry{
		gadgets:   make(map[string]*Descriptor),
		validator: validator,
	}
}

// Register adds or replaces a gadget.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dd := d
	r.gadgets[d.Gadget.Name()] = &dd
}

// Unregister removes a gadget by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gadgets, name)
}

// Get returns a gadget's descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.gadgets[name]
	return d, ok
}

// Names returns every registered gadget name in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gadgets))
	for name := range r.gadgets {
		names = append(names, name)
	}
	return names
}

// ErrGadgetNotFound is returned by Validate/Execute when name isn't registered.
var ErrGadgetNotFound = fmt.Errorf("gadget not registered")

// Validate runs the registry's Validator against a gadget's schema.
func (r *Registry) Validate(name string, params map[string]any) error {
	d, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGadgetNotFound, name)
	}
	return r.validator.Validate(d.Gadget.Schema(), params)
}

// Execute validates then runs a gadget by name. Callers that already
// validated (e.g. the Scheduler, which validates once up front) may call
// the Descriptor's Gadget.Execute directly to skip the redundant check.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*GadgetOutput, error) {
	d, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGadgetNotFound, name)
	}
	if err := r.validator.Validate(d.Gadget.Schema(), params); err != nil {
		return nil, err
	}
	return d.Gadget.Execute(ctx, params)
}
