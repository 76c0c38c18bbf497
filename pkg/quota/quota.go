// Package quota implements the engine's Rate Limiter / Quota Engine:
// per-(agent,tool) token buckets and per-agent rolling-window CPU-ms and
// storage-byte budgets. Token buckets are grounded directly on
// r3e-network-service_layer's infrastructure/ratelimit/ratelimit.go,
// which wraps golang.org/x/time/rate the same way; the rolling-window
// budget guard follows pkg/queue/worker.go's capacity-check-before-claim
// discipline (pollAndProcess), generalized from "how many sessions are
// active" to "how much budget remains in this window".
package quota

import (
	"sync"
	"time"

	"github.com/anse-dev/anse/pkg/clock"
	"golang.org/x/time/rate"
)

// Limits are the static per-agent quota settings loaded from
// quota_defaults / agent-specific overrides in the policy document.
type Limits struct {
	CPUBudgetMsPerWindow   int64
	StorageQuotaBytes      int64
	WindowDuration         time.Duration // default 60s
	ToolRatePerMinute      map[string]int // tool name -> rate_limit_per_minute
	ToolBurst              map[string]int // tool name -> burst, defaults to the per-minute rate
}

func (l Limits) windowDuration() time.Duration {
	if l.WindowDuration <= 0 {
		return 60 * time.Second
	}
	return l.WindowDuration
}

// agentState is the mutable accounting for one agent.
type agentState struct {
	mu              sync.Mutex
	cpuUsedMs       int64
	storageUsedBytes int64
	windowStartedAt time.Time
	buckets         map[string]*rate.Limiter
}

// Engine tracks quota state for every known agent.
type Engine struct {
	mu     sync.Mutex
	limits map[string]Limits // agentID -> limits
	states map[string]*agentState
	clk    clock.Clock
}

// New constructs a quota Engine. clk may be nil to use the system clock.
func New(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Engine{
		limits: make(map[string]Limits),
		states: make(map[string]*agentState),
		clk:    clk,
	}
}

// Configure sets or replaces the quota limits for an agent.
func (e *Engine) Configure(agentID string, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits[agentID] = limits
	delete(e.states, agentID) // force re-init with new buckets on next use
}

// EnsureConfigured sets limits for agentID only if it has no limits yet,
// leaving any existing accounting window untouched — used to apply
// policy defaults the first time an agent is seen (e.g. on bridge
// connect) without resetting usage on reconnect.
func (e *Engine) EnsureConfigured(agentID string, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.limits[agentID]; ok {
		return
	}
	e.limits[agentID] = limits
}

func (e *Engine) stateFor(agentID string) (*agentState, Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	limits := e.limits[agentID]
	st, ok := e.states[agentID]
	if !ok {
		st = &agentState{
			windowStartedAt: e.clk.Now(),
			buckets:         make(map[string]*rate.Limiter),
		}
		e.states[agentID] = st
	}
	return st, limits
}

func (st *agentState) bucketFor(tool string, limits Limits) *rate.Limiter {
	if b, ok := st.buckets[tool]; ok {
		return b
	}
	perMinute := limits.ToolRatePerMinute[tool]
	if perMinute <= 0 {
		return nil // unlimited
	}
	burst := limits.ToolBurst[tool]
	if burst <= 0 {
		burst = perMinute
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
	st.buckets[tool] = limiter
	return limiter
}

func (st *agentState) rollWindow(now time.Time, window time.Duration) {
	if now.Sub(st.windowStartedAt) >= window {
		st.cpuUsedMs = 0
		st.storageUsedBytes = 0
		st.windowStartedAt = now
	}
}

// Denial describes why a quota check failed.
type Denial struct {
	Reason string // "rate_limited" | "cpu_exhausted" | "storage_exhausted"
}

func (d *Denial) Error() string { return d.Reason }

// CheckToolCall verifies the agent has an available token-bucket slot
// for tool right now. Returns a *Denial error if not.
func (e *Engine) CheckToolCall(agentID, tool string) error {
	st, limits := e.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	limiter := st.bucketFor(tool, limits)
	if limiter == nil {
		return nil
	}
	if !limiter.Allow() {
		return &Denial{Reason: "rate_limited"}
	}
	return nil
}

// ReserveCPU accounts for estimatedMs of CPU budget, rolling the window
// if expired, and rejects the call if the window's budget would be
// exceeded.
func (e *Engine) ReserveCPU(agentID string, estimatedMs int64) error {
	st, limits := e.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.rollWindow(e.clk.Now(), limits.windowDuration())
	if limits.CPUBudgetMsPerWindow > 0 && st.cpuUsedMs+estimatedMs > limits.CPUBudgetMsPerWindow {
		return &Denial{Reason: "cpu_exhausted"}
	}
	st.cpuUsedMs += estimatedMs
	return nil
}

// ReserveStorage accounts for additionalBytes of storage usage. Storage
// accounting is best-effort/self-reported per spec.md and is never used
// as a security boundary.
func (e *Engine) ReserveStorage(agentID string, additionalBytes int64) error {
	st, limits := e.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if limits.StorageQuotaBytes > 0 && st.storageUsedBytes+additionalBytes > limits.StorageQuotaBytes {
		return &Denial{Reason: "storage_exhausted"}
	}
	st.storageUsedBytes += additionalBytes
	return nil
}

// Usage reports an agent's current window usage, for diagnostics.
type Usage struct {
	CPUUsedMs        int64
	StorageUsedBytes int64
	WindowStartedAt  time.Time
}

// Usage returns a snapshot of an agent's current accounting.
func (e *Engine) Usage(agentID string) Usage {
	st, _ := e.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return Usage{
		CPUUsedMs:        st.cpuUsedMs,
		StorageUsedBytes: st.storageUsedBytes,
		WindowStartedAt:  st.windowStartedAt,
	}
}

// Reset clears an agent's window accounting immediately (used by tests
// and admin operations, matching RateLimiter.Reset in the grounding
// source).
func (e *Engine) Reset(agentID string) {
	st, _ := e.stateFor(agentID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cpuUsedMs = 0
	st.storageUsedBytes = 0
	st.windowStartedAt = e.clk.Now()
}
