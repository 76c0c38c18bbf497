package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/worldmodel"
	"gopkg.in/yaml.v3"
)

// TransportLoader instantiates one plugin transport kind (mcp, grpc,
// declarative), registering its tools into reg and returning the names
// it registered plus a close function to call on unload.
type TransportLoader interface {
	Load(ctx context.Context, m Manifest, reg *registry.Registry) (tools []string, closeFn func() error, err error)
}

// Loader discovers plugin manifests under a directory, validates them,
// and drives each through its lifecycle. Grounded on
// pkg/config/loader.go's Initialize pipeline ordering.
type Loader struct {
	registry   *registry.Registry
	model      *worldmodel.Model
	transports map[Transport]TransportLoader
	logger     *slog.Logger

	mu      sync.Mutex
	plugins map[string]*Plugin
}

// New constructs a Loader. model records a plugin_lifecycle event for
// every state transition/failure of every plugin it loads (spec.md
// §4.7); it may be nil to skip this (e.g. in tests). Register
// transports with RegisterTransport before calling LoadAll/LoadManifest.
func New(reg *registry.Registry, model *worldmodel.Model, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry:   reg,
		model:      model,
		transports: make(map[Transport]TransportLoader),
		logger:     logger,
		plugins:    make(map[string]*Plugin),
	}
}

// RegisterTransport wires a TransportLoader for a given Transport kind.
func (l *Loader) RegisterTransport(t Transport, tl TransportLoader) {
	l.transports[t] = tl
}

// Discover reads every *.yaml/*.yml file under dir as a plugin
// Manifest. A malformed file is reported but does not stop discovery of
// the rest (isolated failure per spec.md).
func Discover(dir string) ([]Manifest, []error) {
	var manifests []Manifest
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("plugin: read plugins_dir %q: %w", dir, err)}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin: read %q: %w", name, err))
			continue
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			errs = append(errs, fmt.Errorf("plugin: parse %q: %w", name, err))
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, errs
}

// LoadManifest validates and loads a single manifest, driving its
// Plugin through discovered -> validated -> loaded -> active, or
// -> failed on any error. A failure here never returns an error to the
// caller — the engine keeps running with every other plugin unaffected
// — callers should inspect the returned Plugin's State/FailureReason.
func (l *Loader) LoadManifest(ctx context.Context, m Manifest) *Plugin {
	p := &Plugin{Name: m.Name, Type: m.Type, Version: m.Version, State: StateDiscovered, model: l.model}

	l.mu.Lock()
	l.plugins[m.Name] = p
	l.mu.Unlock()
	p.recordLifecycle(StateDiscovered, "")

	if err := m.Validate(); err != nil {
		p.fail(err.Error())
		l.logger.Error("plugin validation failed", "plugin", m.Name, "error", err)
		return p
	}
	p.setState(StateValidated)

	tl, ok := l.transports[m.Transport]
	if !ok {
		p.fail(fmt.Sprintf("no loader registered for transport %q", m.Transport))
		l.logger.Error("plugin load failed: unknown transport", "plugin", m.Name, "transport", m.Transport)
		return p
	}

	tools, closeFn, err := tl.Load(ctx, m, l.registry)
	if err != nil {
		p.fail(err.Error())
		l.logger.Error("plugin load failed", "plugin", m.Name, "error", err)
		return p
	}
	p.mu.Lock()
	p.DeclaredTools = tools
	p.closeFn = closeFn
	p.mu.Unlock()
	p.setState(StateLoaded)
	p.setState(StateActive)
	l.logger.Info("plugin active", "plugin", m.Name, "type", m.Type, "tools", len(tools))
	return p
}

// LoadAll discovers and loads every manifest under dir, returning every
// resulting Plugin (active or failed) plus any discovery-level errors
// (malformed files) that could not even produce a Plugin record.
func (l *Loader) LoadAll(ctx context.Context, dir string) ([]*Plugin, []error) {
	manifests, errs := Discover(dir)
	plugins := make([]*Plugin, 0, len(manifests))
	for _, m := range manifests {
		plugins = append(plugins, l.LoadManifest(ctx, m))
	}
	return plugins, errs
}

// Unload deregisters every tool a plugin declared and calls its close
// function, transitioning it to unloaded.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	p, ok := l.plugins[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("plugin: %q not found", name)
	}

	l.registry.DeregisterPlugin(name)

	p.mu.Lock()
	closeFn := p.closeFn
	p.mu.Unlock()
	if closeFn != nil {
		if err := closeFn(); err != nil {
			l.logger.Warn("plugin close returned error", "plugin", name, "error", err)
		}
	}
	p.setState(StateUnloaded)
	return nil
}

// Get returns a snapshot of a loaded plugin's state.
func (l *Loader) Get(name string) (Plugin, bool) {
	l.mu.Lock()
	p, ok := l.plugins[name]
	l.mu.Unlock()
	if !ok {
		return Plugin{}, false
	}
	return p.Snapshot(), true
}

// List returns a snapshot of every known plugin.
func (l *Loader) List() []Plugin {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Plugin, 0, len(l.plugins))
	for _, p := range l.plugins {
		out = append(out, p.Snapshot())
	}
	return out
}
