// Package scheduler implements the engine's Scheduler / Dispatcher: the
// full per-call protocol (registry lookup, schema validation, permission
// check, quota check, append tool_call, dispatch with timeout, append
// tool_result), per-agent serialization with cross-agent parallelism,
// and cancellation on disconnect.
//
// Grounded on pkg/queue/worker.go's pollAndProcess (claim -> heartbeat ->
// timeout context -> execute -> nil-guard synthesized terminal result ->
// update status -> cleanup) and pkg/queue/pool.go's WorkerPool
// (RegisterSession/CancelSession cancel-function registry, Health()
// aggregation) — adapted from a DB-polling queue of sessions onto an
// in-process per-agent channel of tool calls.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anse-dev/anse/pkg/audit"
	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/permission"
	"github.com/anse-dev/anse/pkg/quota"
	"github.com/anse-dev/anse/pkg/reflex"
	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/schema"
	"github.com/anse-dev/anse/pkg/worldmodel"
)

// ErrorCode enumerates the Scheduler's structured rejection reasons,
// matching the Agent Bridge's JSON-RPC error codes in spec.md §6.
type ErrorCode string

const (
	ErrToolNotFound     ErrorCode = "tool_not_found"
	ErrInvalidArgs      ErrorCode = "invalid_args"
	ErrPermissionDenied ErrorCode = "permission_denied"
	ErrRateLimited      ErrorCode = "rate_limited"
	ErrCPUExhausted     ErrorCode = "cpu_exhausted"
	ErrStorageExhausted ErrorCode = "storage_exhausted"
	ErrTimeout          ErrorCode = "timeout"
	ErrReflexOverride   ErrorCode = "reflex_override"
	ErrPluginError      ErrorCode = "plugin_error"
)

// CallError pairs a structured ErrorCode with a human-readable reason.
type CallError struct {
	Code   ErrorCode
	Reason string
}

func (e *CallError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Reason) }

// defaultTimeout bounds a tool call when the caller doesn't specify one.
const defaultTimeout = 30 * time.Second

// timeoutGracePeriod is how long dispatch waits for a handler to return
// cooperatively after its context deadline expires, before synthesizing
// a timeout result and abandoning it (spec.md §4.8). A var, not a
// const, so tests can shrink it instead of sleeping for the real value.
var timeoutGracePeriod = 5 * time.Second

type callRequest struct {
	ctx           context.Context
	agentID       string
	tool          string
	args          schema.Value
	approvalToken string
	timeout       time.Duration
	resultCh      chan callOutcome

	// reflex marks a call as reflex-originated: it bypasses the agent's
	// tool rate limit and is exempt from reflex_override (spec.md §4.8).
	reflex bool
}

type callOutcome struct {
	callID string
	output schema.Value
	err    error
}

// agentQueue serializes calls for one agent; the Scheduler runs one
// worker goroutine per agentQueue so agents run in parallel but each
// agent's own calls are strictly ordered (spec.md §5).
type agentQueue struct {
	ch     chan callRequest
	cancel map[string]context.CancelFunc
	mu     sync.Mutex
}

// Scheduler wires every upstream component into the per-call protocol.
type Scheduler struct {
	registry   *registry.Registry
	permission *permission.Layer
	quota      *quota.Engine
	model      *worldmodel.Model
	auditor    *audit.Logger
	reflex     *reflex.Engine
	logger     *slog.Logger

	mu     sync.Mutex
	queues map[string]*agentQueue

	// reflexActive tracks tools currently driven by an in-flight reflex
	// action, keyed by tool name. A regular agent call for a tool in
	// this set is denied with reflex_override (spec.md §4.8).
	reflexMu     sync.Mutex
	reflexActive map[string]bool

	wg sync.WaitGroup
}

// New constructs a Scheduler. logger may be nil to use slog.Default().
// reflexEngine may be nil to disable reflex fan-out (e.g. in tests that
// don't exercise it).
func New(reg *registry.Registry, perm *permission.Layer, q *quota.Engine, model *worldmodel.Model, auditor *audit.Logger, logger *slog.Logger, reflexEngine *reflex.Engine) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:     reg,
		permission:   perm,
		quota:        q,
		model:        model,
		auditor:      auditor,
		reflex:       reflexEngine,
		logger:       logger,
		queues:       make(map[string]*agentQueue),
		reflexActive: make(map[string]bool),
	}
}

func (s *Scheduler) queueFor(agentID string) *agentQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[agentID]
	if !ok {
		q = &agentQueue{
			ch:     make(chan callRequest, 32),
			cancel: make(map[string]context.CancelFunc),
		}
		s.queues[agentID] = q
		s.wg.Add(1)
		go s.runQueue(agentID, q)
	}
	return q
}

// runQueue is the per-agent worker loop: claim the next request, run it
// to completion (respecting its timeout), send the outcome, repeat.
// Mirrors pollAndProcess's single-item-at-a-time discipline.
func (s *Scheduler) runQueue(agentID string, q *agentQueue) {
	defer s.wg.Done()
	for req := range q.ch {
		s.process(agentID, q, req)
	}
}

func (s *Scheduler) process(agentID string, q *agentQueue, req callRequest) {
	timeout := req.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(req.ctx, timeout)

	callID := fmt.Sprintf("%s-%d", agentID, time.Now().UnixNano())
	q.mu.Lock()
	q.cancel[callID] = cancel
	q.mu.Unlock()
	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancel, callID)
		q.mu.Unlock()
	}()

	outcome := s.dispatch(callCtx, agentID, callID, req.tool, req.args, req.approvalToken, req.reflex)
	select {
	case req.resultCh <- outcome:
	default:
	}
}

// appendTimeoutResult synthesizes a tool_result for a handler that was
// abandoned after ignoring its context deadline through the grace
// period, so the tool_call event it answers is never left orphaned.
func (s *Scheduler) appendTimeoutResult(agentID, callID, tool string) {
	if s.model != nil {
		val := schema.Object(map[string]schema.Value{
			"status": schema.String("timeout"),
			"error":  schema.String("handler did not return within the grace period after cancellation"),
		})
		if _, err := s.model.Append(context.Background(), worldmodel.EventToolResult, agentID, callID, val); err != nil {
			s.logger.Error("failed to append timeout tool_result event", "error", err)
		}
	}
	if s.auditor != nil {
		s.auditor.Record(context.Background(), agentID, tool, "timeout", "handler abandoned after grace period")
	}
}

// invokeWithGrace runs the handler in its own goroutine and waits for it
// to finish, for up to timeoutGracePeriod past ctx's own deadline. A
// handler that ignores ctx.Done() no longer wedges the agent's queue:
// once the grace period elapses the call is abandoned (its goroutine is
// left to finish on its own time, its result discarded) and a
// synthetic timeout outcome is returned immediately.
func (s *Scheduler) invokeWithGrace(ctx context.Context, tool string, args schema.Value) (schema.Value, error, bool) {
	type invokeResult struct {
		output schema.Value
		err    error
	}
	resultCh := make(chan invokeResult, 1)
	go func() {
		out, err := s.registry.Invoke(ctx, tool, args)
		resultCh <- invokeResult{output: out, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.output, res.err, false
	case <-ctx.Done():
	}

	select {
	case res := <-resultCh:
		return res.output, res.err, false
	case <-time.After(timeoutGracePeriod):
		return schema.Value{}, ctx.Err(), true
	}
}

// dispatch runs the full per-call protocol for one call.
func (s *Scheduler) dispatch(ctx context.Context, agentID, callID, tool string, args schema.Value, approvalToken string, isReflex bool) callOutcome {
	desc, err := s.registry.Get(tool)
	if err != nil {
		return callOutcome{callID: callID, err: &CallError{Code: ErrToolNotFound, Reason: err.Error()}}
	}

	if err := schema.Validate(desc.InputSchema, args); err != nil {
		return callOutcome{callID: callID, err: &CallError{Code: ErrInvalidArgs, Reason: err.Error()}}
	}

	if !isReflex {
		s.reflexMu.Lock()
		overridden := s.reflexActive[tool]
		s.reflexMu.Unlock()
		if overridden {
			reason := fmt.Sprintf("tool %q is under active reflex control", tool)
			s.auditDenied(ctx, agentID, callID, tool, reason)
			return callOutcome{callID: callID, err: &CallError{Code: ErrReflexOverride, Reason: reason}}
		}
	}

	if s.permission != nil {
		res, err := s.permission.Check(ctx, agentID, tool, approvalToken)
		if err != nil {
			return callOutcome{callID: callID, err: &CallError{Code: ErrPluginError, Reason: err.Error()}}
		}
		if res.Decision != permission.Allow {
			s.auditDenied(ctx, agentID, callID, tool, res.Reason)
			code := ErrPermissionDenied
			return callOutcome{callID: callID, err: &CallError{Code: code, Reason: res.Reason}}
		}
	}

	// Reflex-originated calls are pre-authorized by rule configuration
	// and bypass the per-tool rate limit, but are still schema-validated
	// and recorded like any other call (spec.md §4.8).
	if s.quota != nil && !isReflex {
		if err := s.quota.CheckToolCall(agentID, tool); err != nil {
			if s.auditor != nil {
				s.auditor.Record(ctx, agentID, tool, "denied", err.Error())
			}
			return callOutcome{callID: callID, err: &CallError{Code: ErrRateLimited, Reason: err.Error()}}
		}
	}

	if s.model != nil {
		if _, err := s.model.Append(ctx, worldmodel.EventToolCall, agentID, callID, args); err != nil {
			s.logger.Error("failed to append tool_call event", "error", err)
		}
	}

	start := time.Now()
	output, invokeErr, abandoned := s.invokeWithGrace(ctx, tool, args)
	elapsedMs := time.Since(start).Milliseconds()

	if s.quota != nil {
		if err := s.quota.ReserveCPU(agentID, elapsedMs); err != nil {
			if !abandoned {
				if s.model != nil {
					errVal := schema.Object(map[string]schema.Value{"error": schema.String(err.Error())})
					s.model.Append(context.Background(), worldmodel.EventToolResult, agentID, callID, errVal)
				}
				if s.auditor != nil {
					s.auditor.Record(context.Background(), agentID, tool, "error", err.Error())
				}
			}
			return callOutcome{callID: callID, err: &CallError{Code: ErrCPUExhausted, Reason: err.Error()}}
		}
	}

	if abandoned {
		s.appendTimeoutResult(agentID, callID, tool)
		return callOutcome{callID: callID, err: &CallError{Code: ErrTimeout, Reason: "handler abandoned after grace period"}}
	}

	if invokeErr != nil {
		var resultCode ErrorCode = ErrPluginError
		if ctx.Err() == context.DeadlineExceeded {
			resultCode = ErrTimeout
		}
		if s.model != nil {
			errVal := schema.Object(map[string]schema.Value{"error": schema.String(invokeErr.Error())})
			s.model.Append(context.Background(), worldmodel.EventToolResult, agentID, callID, errVal)
		}
		if s.auditor != nil {
			s.auditor.Record(context.Background(), agentID, tool, "error", invokeErr.Error())
		}
		return callOutcome{callID: callID, err: &CallError{Code: resultCode, Reason: invokeErr.Error()}}
	}

	if s.quota != nil {
		if canonical, cerr := clock.CanonicalJSON(output.Native()); cerr == nil {
			if err := s.quota.ReserveStorage(agentID, int64(len(canonical))); err != nil {
				// The tool_call event already appended above must not be
				// left without a matching tool_result (spec.md's Event
				// relationship invariant), even though the deny happens
				// after the handler already ran.
				if s.model != nil {
					errVal := schema.Object(map[string]schema.Value{"status": schema.String("storage_exhausted"), "error": schema.String(err.Error())})
					s.model.Append(ctx, worldmodel.EventToolResult, agentID, callID, errVal)
				}
				if s.auditor != nil {
					s.auditor.Record(ctx, agentID, tool, "error", err.Error())
				}
				return callOutcome{callID: callID, err: &CallError{Code: ErrStorageExhausted, Reason: err.Error()}}
			}
		}
	}

	if s.model != nil {
		if _, err := s.model.Append(ctx, worldmodel.EventToolResult, agentID, callID, output); err != nil {
			s.logger.Error("failed to append tool_result event", "error", err)
		}
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, agentID, tool, "ok", "")
	}

	if desc.IsSensor && s.reflex != nil {
		s.fireReflex(ctx, agentID, tool, output)
	}

	return callOutcome{callID: callID, output: output}
}

// fireReflex appends a sensor_reading event for a successful sensor
// tool call, evaluates the Reflex Engine against it, and records a
// reflex_triggered event referencing the source seq for every rule
// that fired. The winning rule's action is dispatched fire-and-forget
// (spec.md §4.8) via reflexDispatcher, which marks the action tool as
// reflex_override-active for the duration of the dispatch.
func (s *Scheduler) fireReflex(ctx context.Context, agentID, tool string, reading schema.Value) {
	sensorEvent, err := s.model.Append(ctx, worldmodel.EventSensorReading, agentID, tool, reading)
	if err != nil {
		s.logger.Error("failed to append sensor_reading event", "error", err)
		return
	}

	fired, err := s.reflex.Evaluate(ctx, &reflexDispatcher{s: s}, agentID, tool, reading)
	if err != nil {
		s.logger.Error("reflex evaluation failed", "sensor", tool, "error", err)
		return
	}
	for _, ruleID := range fired {
		payload := schema.Object(map[string]schema.Value{
			"rule_id":    schema.String(ruleID),
			"source_seq": schema.Int(int64(sensorEvent.Seq)),
		})
		if _, err := s.model.Append(ctx, worldmodel.EventReflexTriggered, agentID, tool, payload); err != nil {
			s.logger.Error("failed to append reflex_triggered event", "error", err)
		}
	}
}

// reflexDispatcher implements reflex.Dispatcher over the Scheduler: it
// marks the action tool as reflex-active (so a conflicting in-flight
// agent call for the same tool is denied with reflex_override) and
// dispatches fire-and-forget, never blocking the sensor call that
// triggered it.
type reflexDispatcher struct {
	s *Scheduler
}

func (d *reflexDispatcher) Dispatch(ctx context.Context, agentID, tool string, args schema.Value) error {
	d.s.reflexMu.Lock()
	d.s.reflexActive[tool] = true
	d.s.reflexMu.Unlock()

	go func() {
		defer func() {
			d.s.reflexMu.Lock()
			delete(d.s.reflexActive, tool)
			d.s.reflexMu.Unlock()
		}()
		if err := d.s.Dispatch(context.Background(), agentID, tool, args); err != nil {
			d.s.logger.Warn("reflex action dispatch failed", "tool", tool, "agent", agentID, "error", err)
		}
	}()
	return nil
}

func (s *Scheduler) auditDenied(ctx context.Context, agentID, callID, tool, reason string) {
	if s.model != nil {
		s.model.Append(ctx, worldmodel.EventDenied, agentID, callID, schema.String(reason))
	}
	if s.auditor != nil {
		s.auditor.Record(ctx, agentID, tool, "denied", reason)
	}
}

// Call submits a synchronous tool call for agentID and blocks until it
// completes, the context is cancelled, or timeout elapses.
func (s *Scheduler) Call(ctx context.Context, agentID, tool string, args schema.Value, approvalToken string, timeout time.Duration) (schema.Value, string, error) {
	return s.submit(ctx, agentID, tool, args, approvalToken, timeout, false)
}

// Dispatch implements reflex.Dispatcher: a fire-and-forget call made on
// behalf of a reflex rule, using the engine default timeout and no
// approval token (reflex actions are pre-authorized by rule
// configuration, not per-call approval). It is marked reflex so
// dispatch bypasses the agent's tool rate limit and is exempt from
// reflex_override.
func (s *Scheduler) Dispatch(ctx context.Context, agentID, tool string, args schema.Value) error {
	_, _, err := s.submit(ctx, agentID, tool, args, "", defaultTimeout, true)
	return err
}

func (s *Scheduler) submit(ctx context.Context, agentID, tool string, args schema.Value, approvalToken string, timeout time.Duration, isReflex bool) (schema.Value, string, error) {
	q := s.queueFor(agentID)
	resultCh := make(chan callOutcome, 1)
	req := callRequest{
		ctx:           ctx,
		agentID:       agentID,
		tool:          tool,
		args:          args,
		approvalToken: approvalToken,
		timeout:       timeout,
		resultCh:      resultCh,
		reflex:        isReflex,
	}

	select {
	case q.ch <- req:
	case <-ctx.Done():
		return schema.Value{}, "", ctx.Err()
	}

	select {
	case out := <-resultCh:
		return out.output, out.callID, out.err
	case <-ctx.Done():
		return schema.Value{}, "", ctx.Err()
	}
}

// CancelAgent cancels every in-flight call for agentID (used when its
// bridge connection disconnects).
func (s *Scheduler) CancelAgent(agentID string) {
	s.mu.Lock()
	q, ok := s.queues[agentID]
	s.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cancel := range q.cancel {
		cancel()
	}
}

// Health reports, for each per-agent queue, the number of calls
// currently in flight, for introspection — mirrors WorkerPool.Health's
// aggregation role.
func (s *Scheduler) Health() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.queues))
	for agentID, q := range s.queues {
		q.mu.Lock()
		out[agentID] = len(q.cancel)
		q.mu.Unlock()
	}
	return out
}
