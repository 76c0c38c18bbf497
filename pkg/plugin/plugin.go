// Package plugin implements the engine's Plugin Loader: discover ->
// validate -> instantiate -> on_load -> active lifecycle, with isolated
// per-plugin failure (a failed plugin never aborts the engine) and
// atomic tool deregistration on unload.
//
// Grounded on pkg/config/loader.go's Initialize pipeline (load -> merge
// -> apply defaults -> validate -> ready) for discovery/validation
// ordering. Once a plugin is active the loader runs no liveness checks
// on it.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/anse-dev/anse/pkg/schema"
	"github.com/anse-dev/anse/pkg/worldmodel"
)

// Type is a plugin's declared role, per spec.md §3.
type Type string

const (
	TypeSensor    Type = "sensor"
	TypeActuator  Type = "actuator"
	TypeCognition Type = "cognition"
	TypeSystem    Type = "system"
)

// Transport names the wire protocol a plugin speaks.
type Transport string

const (
	TransportMCP         Transport = "mcp"
	TransportGRPC        Transport = "grpc"
	TransportDeclarative Transport = "declarative"
)

// LifecycleState is a Plugin's current position in
// discovered -> validated -> loaded -> active -> unloaded|failed.
type LifecycleState string

const (
	StateDiscovered LifecycleState = "discovered"
	StateValidated  LifecycleState = "validated"
	StateLoaded     LifecycleState = "loaded"
	StateActive     LifecycleState = "active"
	StateUnloaded   LifecycleState = "unloaded"
	StateFailed     LifecycleState = "failed"
)

// DeclarativeTool describes one tool a declarative-transport plugin
// contributes, including its optional reflex predicate.
type DeclarativeTool struct {
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	Sensitivity        string   `yaml:"sensitivity"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	CostHint           float64  `yaml:"cost_hint"`
	RequiredScopes     []string `yaml:"required_scopes"`
	ReflexPredicate    string   `yaml:"reflex_predicate,omitempty"`
	ReflexActionTool   string   `yaml:"reflex_action_tool,omitempty"`
	ReflexPriority     int      `yaml:"reflex_priority,omitempty"`
}

// Manifest is the declarative description of a plugin, as discovered
// from a YAML file under plugins_dir.
type Manifest struct {
	Name      string            `yaml:"name"`
	Type      Type              `yaml:"type"`
	Version   string            `yaml:"version"`
	Transport Transport         `yaml:"transport"`
	Command   []string          `yaml:"command,omitempty"`   // mcp: subprocess argv
	Address   string            `yaml:"address,omitempty"`   // grpc: cognition plugin endpoint
	Tools     []DeclarativeTool `yaml:"tools,omitempty"`     // declarative: tool descriptors
}

// Validate checks a manifest is well-formed before instantiation.
func (m Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin: manifest missing name")
	}
	switch m.Type {
	case TypeSensor, TypeActuator, TypeCognition, TypeSystem:
	default:
		return fmt.Errorf("plugin %q: invalid type %q", m.Name, m.Type)
	}
	switch m.Transport {
	case TransportMCP:
		if len(m.Command) == 0 {
			return fmt.Errorf("plugin %q: mcp transport requires command", m.Name)
		}
	case TransportGRPC:
		if m.Address == "" {
			return fmt.Errorf("plugin %q: grpc transport requires address", m.Name)
		}
	case TransportDeclarative:
		if len(m.Tools) == 0 {
			return fmt.Errorf("plugin %q: declarative transport requires at least one tool", m.Name)
		}
	default:
		return fmt.Errorf("plugin %q: invalid transport %q", m.Name, m.Transport)
	}
	return nil
}

// Plugin is the Loader's live record of one plugin instance.
type Plugin struct {
	mu            sync.Mutex
	Name          string
	Type          Type
	Version       string
	DeclaredTools []string
	State         LifecycleState
	FailureReason string

	// model records a plugin_lifecycle event on every state transition
	// and failure (spec.md §4.7). Nil in tests that don't wire a World
	// Model.
	model *worldmodel.Model

	closeFn func() error
}

func (p *Plugin) setState(s LifecycleState) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
	p.recordLifecycle(s, "")
}

func (p *Plugin) fail(reason string) {
	p.mu.Lock()
	p.State = StateFailed
	p.FailureReason = reason
	p.mu.Unlock()
	p.recordLifecycle(StateFailed, reason)
}

func (p *Plugin) recordLifecycle(s LifecycleState, reason string) {
	if p.model == nil {
		return
	}
	fields := map[string]schema.Value{
		"plugin": schema.String(p.Name),
		"state":  schema.String(string(s)),
	}
	if reason != "" {
		fields["reason"] = schema.String(reason)
	}
	p.model.Append(context.Background(), worldmodel.EventPluginLifecycle, "", p.Name, schema.Object(fields))
}

// Snapshot returns a copy of the plugin's current state, safe to read
// concurrently with lifecycle transitions.
func (p *Plugin) Snapshot() Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Plugin{
		Name:          p.Name,
		Type:          p.Type,
		Version:       p.Version,
		DeclaredTools: append([]string(nil), p.DeclaredTools...),
		State:         p.State,
		FailureReason: p.FailureReason,
	}
}
