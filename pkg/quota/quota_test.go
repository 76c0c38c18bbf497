package quota

import (
	"testing"
	"time"

	"github.com/anse-dev/anse/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckToolCallRateLimits(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e := New(fake)
	e.Configure("agent-1", Limits{
		ToolRatePerMinute: map[string]int{"net.http": 2},
		ToolBurst:         map[string]int{"net.http": 2},
	})

	require.NoError(t, e.CheckToolCall("agent-1", "net.http"))
	require.NoError(t, e.CheckToolCall("agent-1", "net.http"))
	err := e.CheckToolCall("agent-1", "net.http")
	require.Error(t, err)
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, "rate_limited", denial.Reason)
}

func TestCheckToolCallUnlimitedWhenUnconfigured(t *testing.T) {
	e := New(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, e.CheckToolCall("agent-1", "sensor.poll"))
	}
}

func TestReserveCPUExhaustion(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	e := New(fake)
	e.Configure("agent-1", Limits{CPUBudgetMsPerWindow: 100, WindowDuration: time.Minute})

	require.NoError(t, e.ReserveCPU("agent-1", 60))
	err := e.ReserveCPU("agent-1", 60)
	require.Error(t, err)
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, "cpu_exhausted", denial.Reason)
}

func TestReserveCPUWindowRoll(t *testing.T) {
	fake := clock.NewFakeClock(time.Now())
	e := New(fake)
	e.Configure("agent-1", Limits{CPUBudgetMsPerWindow: 100, WindowDuration: time.Minute})

	require.NoError(t, e.ReserveCPU("agent-1", 90))
	fake.Advance(2 * time.Minute)
	require.NoError(t, e.ReserveCPU("agent-1", 90)) // window rolled, budget reset
}

func TestReserveStorageExhaustion(t *testing.T) {
	e := New(nil)
	e.Configure("agent-1", Limits{StorageQuotaBytes: 1024})
	require.NoError(t, e.ReserveStorage("agent-1", 1000))
	err := e.ReserveStorage("agent-1", 100)
	require.Error(t, err)
}

func TestUsageAndReset(t *testing.T) {
	e := New(nil)
	e.Configure("agent-1", Limits{CPUBudgetMsPerWindow: 1000})
	require.NoError(t, e.ReserveCPU("agent-1", 50))
	assert.Equal(t, int64(50), e.Usage("agent-1").CPUUsedMs)
	e.Reset("agent-1")
	assert.Equal(t, int64(0), e.Usage("agent-1").CPUUsedMs)
}
