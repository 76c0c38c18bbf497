// Package registry implements the engine's Tool Registry: the catalog of
// ToolDescriptors, conflict-free registration, and schema-checked
// dynamic dispatch. Grounded on pkg/mcp/executor.go's Execute pipeline
// (normalize name -> resolve -> validate args -> invoke -> convert
// result) and pkg/mcp/params.go's hand-rolled argument parsing.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/anse-dev/anse/pkg/schema"
)

// Sensitivity is a ToolDescriptor's declared risk tier.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Handler is a tool's dispatch function: dynamic dispatch without
// reflection, per spec.md's design notes.
type Handler func(ctx context.Context, args schema.Value) (schema.Value, error)

// Descriptor is a ToolDescriptor as defined in spec.md §3.
type Descriptor struct {
	Name              string
	Description       string
	InputSchema       *schema.Schema
	OutputSchema      *schema.Schema
	Sensitivity       Sensitivity
	RateLimitPerMinute int
	CostHint          float64
	RequiredScopes    []string
	Handler           Handler

	// PluginName namespaces the tool (e.g. "sensor.temp.read"); empty for
	// built-in tools (reflex actions, introspection).
	PluginName string

	// IsSensor marks a tool as a sensor reading, declared by a plugin of
	// Type TypeSensor. The Scheduler appends a sensor_reading event and
	// runs the Reflex Engine against the output of every successful
	// IsSensor call.
	IsSensor bool
}

// ErrAlreadyRegistered is returned by Register on a name conflict.
type ErrAlreadyRegistered struct{ Name string }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("registry: tool %q already registered", e.Name)
}

// ErrNotFound is returned by Get, Validate and Invoke for an unknown tool
// name.
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: tool %q not found", e.Name)
}

// Registry is the Tool Registry: a concurrency-safe catalog of
// Descriptors keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds d to the catalog. It fails (without touching the
// catalog) if a tool by the same name already exists, so a failed
// registration never leaves the catalog partially applied.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("registry: tool name must not be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("registry: tool %q: handler must not be nil", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[d.Name]; exists {
		return &ErrAlreadyRegistered{Name: d.Name}
	}
	r.tools[d.Name] = d
	return nil
}

// Deregister removes a single tool from the catalog. Plugin unload uses
// DeregisterPlugin instead, which drops every tool a plugin declared.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// DeregisterPlugin removes every tool registered under pluginName.
func (r *Registry) DeregisterPlugin(pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.tools {
		if d.PluginName == pluginName {
			delete(r.tools, name)
		}
	}
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok {
		return Descriptor{}, &ErrNotFound{Name: name}
	}
	return d, nil
}

// List returns every registered descriptor, in unspecified order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	return out
}

// Validate checks args against the named tool's input schema without
// invoking the handler.
func (r *Registry) Validate(name string, args schema.Value) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	return schema.Validate(d.InputSchema, args)
}

// Invoke validates args against the tool's input schema and then calls
// its handler. Callers (the Scheduler) are expected to have already run
// permission/quota checks and appended the tool_call event before
// calling Invoke.
func (r *Registry) Invoke(ctx context.Context, name string, args schema.Value) (schema.Value, error) {
	d, err := r.Get(name)
	if err != nil {
		return schema.Value{}, err
	}
	if err := schema.Validate(d.InputSchema, args); err != nil {
		return schema.Value{}, fmt.Errorf("registry: invalid args for %q: %w", name, err)
	}
	result, err := d.Handler(ctx, args)
	if err != nil {
		return schema.Value{}, err
	}
	if d.OutputSchema != nil {
		if err := schema.Validate(d.OutputSchema, result); err != nil {
			return schema.Value{}, fmt.Errorf("registry: tool %q returned invalid output: %w", name, err)
		}
	}
	return result, nil
}
