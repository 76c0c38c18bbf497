package plugin

import (
	"context"
	"fmt"

	"github.com/anse-dev/anse/pkg/reflex"
	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/schema"
)

// DeclarativeTransport loads text-config plugins: sensor/actuator tool
// descriptors declared entirely in YAML, with no backing subprocess.
// Each declared tool's handler is echoHandler, which returns its
// arguments unchanged as the call's result; that is enough for
// --simulate runs and for actuator tools whose real effect lives
// entirely in the reflex predicate that triggers them. Any
// ReflexPredicate on a tool is installed into the shared reflex.Engine.
type DeclarativeTransport struct {
	Reflex *reflex.Engine
}

// Load implements TransportLoader.
func (d *DeclarativeTransport) Load(ctx context.Context, m Manifest, reg *registry.Registry) ([]string, func() error, error) {
	var registered []string
	for _, t := range m.Tools {
		desc := registry.Descriptor{
			Name:               t.Name,
			Description:        t.Description,
			Sensitivity:        registry.Sensitivity(t.Sensitivity),
			RateLimitPerMinute: t.RateLimitPerMinute,
			CostHint:           t.CostHint,
			RequiredScopes:     t.RequiredScopes,
			PluginName:         m.Name,
			IsSensor:           m.Type == TypeSensor,
			Handler:            echoHandler,
		}
		if err := reg.Register(desc); err != nil {
			// Roll back everything this plugin already registered before
			// reporting failure — a declarative plugin is all-or-nothing.
			for _, name := range registered {
				reg.Deregister(name)
			}
			return nil, nil, fmt.Errorf("plugin %q: register tool %q: %w", m.Name, t.Name, err)
		}
		registered = append(registered, t.Name)

		if t.ReflexPredicate != "" && d.Reflex != nil {
			if err := d.Reflex.AddRule(reflex.Rule{
				ID:         m.Name + "/" + t.Name,
				SensorName: t.Name,
				Predicate:  t.ReflexPredicate,
				ActionTool: t.ReflexActionTool,
				Priority:   t.ReflexPriority,
				Enabled:    true,
			}); err != nil {
				for _, name := range registered {
					reg.Deregister(name)
				}
				return nil, nil, fmt.Errorf("plugin %q: reflex rule for %q: %w", m.Name, t.Name, err)
			}
		}
	}

	closeFn := func() error {
		if d.Reflex != nil {
			for _, t := range m.Tools {
				d.Reflex.RemoveRule(m.Name + "/" + t.Name)
			}
		}
		return nil
	}
	return registered, closeFn, nil
}

// echoHandler is the declarative-plugin default tool body: it simply
// returns its arguments back as the result, recording that the call
// happened (the World Model append, done by the Scheduler around every
// invocation, is the actual "effect").
func echoHandler(ctx context.Context, args schema.Value) (schema.Value, error) {
	return args, nil
}
