package plugin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/anse-dev/anse/pkg/reflex"
	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/worldmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestValidate(t *testing.T) {
	m := Manifest{Name: "", Type: TypeSensor, Transport: TransportDeclarative}
	require.Error(t, m.Validate())

	m = Manifest{Name: "temp", Type: "bogus", Transport: TransportDeclarative}
	require.Error(t, m.Validate())

	m = Manifest{Name: "temp", Type: TypeSensor, Transport: TransportDeclarative,
		Tools: []DeclarativeTool{{Name: "temp.read"}}}
	require.NoError(t, m.Validate())
}

func TestLoadManifestDeclarative(t *testing.T) {
	reg := registry.New()
	rfx := reflex.New()
	loader := New(reg, nil, nil)
	loader.RegisterTransport(TransportDeclarative, &DeclarativeTransport{Reflex: rfx})

	m := Manifest{
		Name: "thermostat", Type: TypeSensor, Transport: TransportDeclarative,
		Tools: []DeclarativeTool{{
			Name: "thermostat.read", Description: "reads ambient temperature",
			ReflexPredicate: "reading > 80", ReflexActionTool: "actuator.fan.on",
		}},
	}

	p := loader.LoadManifest(context.Background(), m)
	assert.Equal(t, StateActive, p.State)
	assert.Equal(t, []string{"thermostat.read"}, p.DeclaredTools)

	_, err := reg.Get("thermostat.read")
	require.NoError(t, err)
	assert.Len(t, rfx.Rules(), 1)
}

func TestLoadManifestFailsIsolated(t *testing.T) {
	reg := registry.New()
	loader := New(reg, nil, nil)
	loader.RegisterTransport(TransportDeclarative, &DeclarativeTransport{})

	bad := Manifest{Name: "broken", Type: TypeActuator, Transport: TransportDeclarative}
	p := loader.LoadManifest(context.Background(), bad)
	assert.Equal(t, StateFailed, p.State)
	assert.NotEmpty(t, p.FailureReason)

	good := Manifest{Name: "ok", Type: TypeActuator, Transport: TransportDeclarative,
		Tools: []DeclarativeTool{{Name: "ok.fire"}}}
	p2 := loader.LoadManifest(context.Background(), good)
	assert.Equal(t, StateActive, p2.State)
}

func TestUnloadDeregistersTools(t *testing.T) {
	reg := registry.New()
	loader := New(reg, nil, nil)
	loader.RegisterTransport(TransportDeclarative, &DeclarativeTransport{})

	m := Manifest{Name: "thermostat", Type: TypeSensor, Transport: TransportDeclarative,
		Tools: []DeclarativeTool{{Name: "thermostat.read"}}}
	loader.LoadManifest(context.Background(), m)

	require.NoError(t, loader.Unload("thermostat"))
	_, err := reg.Get("thermostat.read")
	require.Error(t, err)

	snap, ok := loader.Get("thermostat")
	require.True(t, ok)
	assert.Equal(t, StateUnloaded, snap.State)
}

func TestLoadManifestRecordsPluginLifecycleEvents(t *testing.T) {
	model, err := worldmodel.Open(worldmodel.Config{LogPath: filepath.Join(t.TempDir(), "events.ndjson")})
	require.NoError(t, err)
	defer model.Close()

	reg := registry.New()
	loader := New(reg, model, nil)
	loader.RegisterTransport(TransportDeclarative, &DeclarativeTransport{})

	m := Manifest{Name: "thermostat", Type: TypeSensor, Transport: TransportDeclarative,
		Tools: []DeclarativeTool{{Name: "thermostat.read"}}}
	loader.LoadManifest(context.Background(), m)
	require.NoError(t, loader.Unload("thermostat"))

	events := model.GetRecent(20, worldmodel.Filter{Types: []worldmodel.EventType{worldmodel.EventPluginLifecycle}})
	var states []string
	for _, e := range events {
		fields, ok := e.Payload.Native().(map[string]interface{})
		if !ok {
			continue
		}
		if s, ok := fields["state"].(string); ok {
			states = append(states, s)
		}
	}
	assert.Contains(t, states, string(StateDiscovered))
	assert.Contains(t, states, string(StateLoaded))
	assert.Contains(t, states, string(StateActive))
	assert.Contains(t, states, string(StateUnloaded))
}

func TestFailedPluginRecordsLifecycleEventWithReason(t *testing.T) {
	model, err := worldmodel.Open(worldmodel.Config{LogPath: filepath.Join(t.TempDir(), "events.ndjson")})
	require.NoError(t, err)
	defer model.Close()

	reg := registry.New()
	loader := New(reg, model, nil)
	loader.RegisterTransport(TransportDeclarative, &DeclarativeTransport{})

	bad := Manifest{Name: "broken", Type: TypeActuator, Transport: TransportDeclarative}
	loader.LoadManifest(context.Background(), bad)

	events := model.GetRecent(20, worldmodel.Filter{Types: []worldmodel.EventType{worldmodel.EventPluginLifecycle}})
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	fields, ok := last.Payload.Native().(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(StateFailed), fields["state"])
	assert.NotEmpty(t, fields["reason"])
}

func TestDiscoverReadsYAMLManifests(t *testing.T) {
	dir := t.TempDir()
	content := []byte("name: temp\ntype: sensor\ntransport: declarative\ntools:\n  - name: temp.read\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "temp.yaml"), content, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o644))

	manifests, errs := Discover(dir)
	require.Empty(t, errs)
	require.Len(t, manifests, 1)
	assert.Equal(t, "temp", manifests[0].Name)
}
