package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/anse-dev/anse/pkg/audit"
	"github.com/anse-dev/anse/pkg/permission"
	"github.com/anse-dev/anse/pkg/quota"
	"github.com/anse-dev/anse/pkg/reflex"
	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/schema"
	"github.com/anse-dev/anse/pkg/store"
	"github.com/anse-dev/anse/pkg/worldmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	sched  *Scheduler
	reg    *registry.Registry
	perm   *permission.Layer
	q      *quota.Engine
	model  *worldmodel.Model
	reflex *reflex.Engine
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	model, err := worldmodel.Open(worldmodel.Config{LogPath: filepath.Join(dir, "events.ndjson")})
	require.NoError(t, err)
	t.Cleanup(func() { model.Close() })

	auditModel, err := worldmodel.Open(worldmodel.Config{LogPath: filepath.Join(dir, "audit.ndjson")})
	require.NoError(t, err)
	t.Cleanup(func() { auditModel.Close() })

	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auditor := audit.New(auditModel, st, nil, nil)

	reg := registry.New()
	issuer := permission.NewTokenIssuer([]byte("secret"), st, nil, nil)
	perm := permission.New(&permission.Policy{DefaultScopes: []string{"sensor.read"}}, issuer)
	q := quota.New(nil)
	reflexEngine := reflex.New()

	sched := New(reg, perm, q, model, auditor, nil, reflexEngine)
	return &testHarness{sched: sched, reg: reg, perm: perm, q: q, model: model, reflex: reflexEngine}
}

func TestCallHappyPath(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name: "sensor.read",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			return schema.String("42"), nil
		},
	}))

	out, callID, err := h.sched.Call(context.Background(), "agent-1", "sensor.read", schema.Null(), "", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, callID)
	s, _ := out.String()
	assert.Equal(t, "42", s)
}

func TestCallToolNotFound(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.sched.Call(context.Background(), "agent-1", "missing.tool", schema.Null(), "", time.Second)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrToolNotFound, ce.Code)
}

func TestCallPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.perm = permission.New(&permission.Policy{
		ToolScopes: map[string][]string{"net.http": {"net.egress"}},
	}, permission.NewTokenIssuer([]byte("s"), nil, nil, nil))
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:    "net.http",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) { return schema.Null(), nil },
	}))
	sched := New(h.reg, h.perm, h.q, nil, nil, nil, nil)
	_, _, err := sched.Call(context.Background(), "agent-1", "net.http", schema.Null(), "", time.Second)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrPermissionDenied, ce.Code)
}

func TestCallRateLimited(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:    "sensor.read",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) { return schema.Null(), nil },
	}))
	h.q.Configure("agent-1", quota.Limits{ToolRatePerMinute: map[string]int{"sensor.read": 1}, ToolBurst: map[string]int{"sensor.read": 1}})

	_, _, err := h.sched.Call(context.Background(), "agent-1", "sensor.read", schema.Null(), "", time.Second)
	require.NoError(t, err)
	_, _, err = h.sched.Call(context.Background(), "agent-1", "sensor.read", schema.Null(), "", time.Second)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrRateLimited, ce.Code)
}

func TestCallTimeout(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name: "slow.tool",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			select {
			case <-time.After(time.Second):
				return schema.Null(), nil
			case <-ctx.Done():
				return schema.Value{}, ctx.Err()
			}
		},
	}))
	_, _, err := h.sched.Call(context.Background(), "agent-1", "slow.tool", schema.Null(), "", 10*time.Millisecond)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrTimeout, ce.Code)
}

func TestPerAgentOrderingAcrossSequentialCalls(t *testing.T) {
	h := newHarness(t)
	var order []int
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name: "append.order",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			n, _ := args.Int()
			order = append(order, int(n))
			return schema.Null(), nil
		},
	}))
	for i := 0; i < 5; i++ {
		_, _, err := h.sched.Call(context.Background(), "agent-1", "append.order", schema.Int(int64(i)), "", time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDispatchImplementsReflexInterface(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:    "actuator.fire",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) { return schema.Null(), nil },
	}))
	err := h.sched.Dispatch(context.Background(), "agent-1", "actuator.fire", schema.Null())
	require.NoError(t, err)
}

func TestSensorCallFiresReflexRuleAndRecordsEvents(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:     "thermostat.read",
		IsSensor: true,
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			return schema.Object(map[string]schema.Value{"reading": schema.Float(95)}), nil
		},
	}))
	fired := make(chan struct{}, 1)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name: "fan.on",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			fired <- struct{}{}
			return schema.Null(), nil
		},
	}))
	require.NoError(t, h.reflex.AddRule(reflex.Rule{
		ID:         "high-temp",
		SensorName: "thermostat.read",
		Predicate:  "reading > 80",
		ActionTool: "fan.on",
		Enabled:    true,
	}))

	_, _, err := h.sched.Call(context.Background(), "agent-1", "thermostat.read", schema.Null(), "", time.Second)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reflex action was never dispatched")
	}

	events := h.model.GetRecent(10, worldmodel.Filter{})
	var sawReading, sawTriggered bool
	for _, e := range events {
		switch e.Type {
		case worldmodel.EventSensorReading:
			sawReading = true
		case worldmodel.EventReflexTriggered:
			sawTriggered = true
		}
	}
	assert.True(t, sawReading, "expected a sensor_reading event")
	assert.True(t, sawTriggered, "expected a reflex_triggered event")
}

func TestReflexOverrideDeniesConflictingAgentCall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:    "actuator.fire",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) { return schema.Null(), nil },
	}))
	h.sched.reflexActive["actuator.fire"] = true

	_, _, err := h.sched.Call(context.Background(), "agent-1", "actuator.fire", schema.Null(), "", time.Second)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrReflexOverride, ce.Code)
}

func TestReflexOriginatedDispatchBypassesOverrideCheck(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:    "actuator.fire",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) { return schema.Null(), nil },
	}))
	h.sched.reflexActive["actuator.fire"] = true

	err := h.sched.Dispatch(context.Background(), "agent-1", "actuator.fire", schema.Null())
	require.NoError(t, err)
}

func TestStorageExhaustedAppendsMatchingToolResult(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:    "big.result",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) { return schema.String("a big payload"), nil },
	}))
	h.q.Configure("agent-1", quota.Limits{StorageQuotaBytes: 1})

	_, callID, err := h.sched.Call(context.Background(), "agent-1", "big.result", schema.Null(), "", time.Second)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrStorageExhausted, ce.Code)

	events := h.model.GetRecent(10, worldmodel.Filter{})
	var sawToolCall, sawMatchingResult bool
	for _, e := range events {
		if e.CallID != callID {
			continue
		}
		if e.Type == worldmodel.EventToolCall {
			sawToolCall = true
		}
		if e.Type == worldmodel.EventToolResult {
			sawMatchingResult = true
		}
	}
	assert.True(t, sawToolCall, "expected a tool_call event for this call")
	assert.True(t, sawMatchingResult, "tool_call must not be left without a matching tool_result")
}

func TestHandlerIgnoringCancellationIsAbandonedAfterGracePeriod(t *testing.T) {
	h := newHarness(t)
	orig := timeoutGracePeriod
	timeoutGracePeriod = 20 * time.Millisecond
	defer func() { timeoutGracePeriod = orig }()

	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name: "stubborn.tool",
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			time.Sleep(200 * time.Millisecond) // ignores ctx.Done() entirely
			return schema.Null(), nil
		},
	}))

	start := time.Now()
	_, callID, err := h.sched.Call(context.Background(), "agent-1", "stubborn.tool", schema.Null(), "", 10*time.Millisecond)
	elapsed := time.Since(start)
	require.Error(t, err)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ErrTimeout, ce.Code)
	assert.Less(t, elapsed, 150*time.Millisecond, "call should be abandoned at the grace period, not block for the full handler duration")

	events := h.model.GetRecent(10, worldmodel.Filter{})
	var sawTimeoutResult bool
	for _, e := range events {
		if e.CallID == callID && e.Type == worldmodel.EventToolResult {
			sawTimeoutResult = true
		}
	}
	assert.True(t, sawTimeoutResult, "expected a synthesized timeout tool_result")
}

func TestCPUChargedFromMeasuredWallClockNotCostHint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.reg.Register(registry.Descriptor{
		Name:     "slow.cpu",
		CostHint: 1, // a tiny static estimate; the handler actually runs much longer
		Handler: func(ctx context.Context, args schema.Value) (schema.Value, error) {
			time.Sleep(30 * time.Millisecond)
			return schema.Null(), nil
		},
	}))
	h.q.Configure("agent-1", quota.Limits{CPUBudgetMsPerWindow: 1000, WindowDuration: time.Minute})

	_, _, err := h.sched.Call(context.Background(), "agent-1", "slow.cpu", schema.Null(), "", time.Second)
	require.NoError(t, err)

	usage := h.q.Usage("agent-1")
	assert.GreaterOrEqual(t, usage.CPUUsedMs, int64(25), "CPU usage should reflect measured wall-clock time, not the 1ms cost_hint")
}
