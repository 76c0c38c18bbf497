package reflex

import (
	"context"
	"sync"
	"testing"

	"github.com/anse-dev/anse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, agentID, tool string, args schema.Value) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, tool)
	return nil
}

func TestEvaluateFiresOnMatch(t *testing.T) {
	e := New()
	require.NoError(t, e.AddRule(Rule{
		ID:         "high-temp",
		SensorName: "sensor.temp",
		Predicate:  "reading > 80",
		ActionTool: "actuator.fan.on",
		Enabled:    true,
	}))

	d := &recordingDispatcher{}
	fired, err := e.Evaluate(context.Background(), d, "agent-1", "sensor.temp",
		schema.Object(map[string]schema.Value{"reading": schema.Float(95)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"high-temp"}, fired)
	assert.Equal(t, []string{"actuator.fan.on"}, d.calls)
}

func TestEvaluateSkipsNoMatch(t *testing.T) {
	e := New()
	require.NoError(t, e.AddRule(Rule{
		ID:         "high-temp",
		SensorName: "sensor.temp",
		Predicate:  "reading > 80",
		ActionTool: "actuator.fan.on",
		Enabled:    true,
	}))
	d := &recordingDispatcher{}
	fired, err := e.Evaluate(context.Background(), d, "agent-1", "sensor.temp",
		schema.Object(map[string]schema.Value{"reading": schema.Float(10)}))
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestEvaluateSkipsDisabledRule(t *testing.T) {
	e := New()
	require.NoError(t, e.AddRule(Rule{ID: "r1", SensorName: "s", Predicate: "true", ActionTool: "x", Enabled: false}))
	d := &recordingDispatcher{}
	fired, err := e.Evaluate(context.Background(), d, "agent-1", "s", schema.Null())
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	e := New()
	require.NoError(t, e.AddRule(Rule{ID: "low", SensorName: "s", Predicate: "true", ActionTool: "low.action", Priority: 1, Enabled: true}))
	require.NoError(t, e.AddRule(Rule{ID: "high", SensorName: "s", Predicate: "true", ActionTool: "high.action", Priority: 10, Enabled: true}))
	d := &recordingDispatcher{}
	fired, err := e.Evaluate(context.Background(), d, "agent-1", "s", schema.Null())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "high", fired[0])
	assert.Equal(t, []string{"high.action"}, d.calls)
}

func TestEvaluateEqualPriorityBreaksTieByInsertionOrder(t *testing.T) {
	e := New()
	require.NoError(t, e.AddRule(Rule{ID: "first", SensorName: "s", Predicate: "true", ActionTool: "first.action", Priority: 5, Enabled: true}))
	require.NoError(t, e.AddRule(Rule{ID: "second", SensorName: "s", Predicate: "true", ActionTool: "second.action", Priority: 5, Enabled: true}))
	d := &recordingDispatcher{}
	fired, err := e.Evaluate(context.Background(), d, "agent-1", "s", schema.Null())
	require.NoError(t, err)
	require.Len(t, fired, 1)
	assert.Equal(t, "first", fired[0])
	assert.Equal(t, []string{"first.action"}, d.calls)
}

func TestAddRuleRejectsInvalidPredicate(t *testing.T) {
	e := New()
	err := e.AddRule(Rule{ID: "bad", SensorName: "s", Predicate: "((("})
	require.Error(t, err)
}
