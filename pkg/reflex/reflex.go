// Package reflex implements the engine's built-in Reflex Engine plugin:
// ReflexRule predicate evaluation against sensor readings, firing
// action_tool calls without a round trip through an external cognition
// plugin. Predicates are evaluated with github.com/PaesslerAG/gval, a
// safe expression evaluator (no arbitrary code execution) grounded on
// its use in the r3e-network-service_layer pack repo — chosen
// specifically because spec.md requires "a tiny safe predicate DSL ...
// arbitrary code is not evaluated".
package reflex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/PaesslerAG/gval"
	"github.com/anse-dev/anse/pkg/schema"
)

// Rule is a ReflexRule as defined in spec.md §3.
type Rule struct {
	ID         string
	SensorName string
	Predicate  string // gval boolean expression evaluated against the sensor reading
	ActionTool string
	ActionArgs schema.Value
	Priority   int
	Enabled    bool

	seq uint64 // insertion order, for breaking equal-priority ties
}

// Dispatcher is the minimal surface reflex needs from the Scheduler: a
// way to fire a tool call by name with args, attributed to an agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID, tool string, args schema.Value) error
}

// Engine evaluates enabled rules against sensor readings, in descending
// priority order, firing only the first rule whose predicate is true.
type Engine struct {
	mu      sync.RWMutex
	rules   map[string]Rule
	nextSeq uint64
	lang    gval.Language
}

// New constructs a reflex Engine with the full arithmetic/boolean gval
// language (no extension grants code execution).
func New() *Engine {
	return &Engine{
		rules: make(map[string]Rule),
		lang:  gval.Full(),
	}
}

// AddRule installs or replaces a rule. Replacing an existing id reuses
// its original insertion sequence, so re-adding a rule doesn't change
// its position in equal-priority tiebreaks.
func (e *Engine) AddRule(r Rule) error {
	if r.ID == "" {
		return fmt.Errorf("reflex: rule id must not be empty")
	}
	if _, err := e.lang.NewEvaluable(r.Predicate); err != nil {
		return fmt.Errorf("reflex: rule %q: invalid predicate: %w", r.ID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[r.ID]; ok {
		r.seq = existing.seq
	} else {
		r.seq = e.nextSeq
		e.nextSeq++
	}
	e.rules[r.ID] = r
	return nil
}

// RemoveRule deletes a rule by id.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// Evaluate walks every enabled rule whose SensorName matches sensorName,
// in descending-priority order (equal priorities broken by insertion
// order), and dispatches ActionTool for the first rule whose predicate
// evaluates true — the rest are not even evaluated. It returns the id of
// the rule that fired, or nil if none did.
func (e *Engine) Evaluate(ctx context.Context, dispatcher Dispatcher, agentID, sensorName string, reading schema.Value) ([]string, error) {
	e.mu.RLock()
	var candidates []Rule
	for _, r := range e.rules {
		if r.Enabled && r.SensorName == sensorName {
			candidates = append(candidates, r)
		}
	}
	e.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].seq < candidates[j].seq
	})

	env, ok := reading.Native().(map[string]interface{})
	if !ok {
		env = map[string]interface{}{"value": reading.Native()}
	}

	for _, r := range candidates {
		matched, err := e.evalPredicate(r.Predicate, env)
		if err != nil {
			return nil, fmt.Errorf("reflex: rule %q predicate evaluation failed: %w", r.ID, err)
		}
		if !matched {
			continue
		}
		if err := dispatcher.Dispatch(ctx, agentID, r.ActionTool, r.ActionArgs); err != nil {
			return nil, fmt.Errorf("reflex: rule %q dispatch failed: %w", r.ID, err)
		}
		return []string{r.ID}, nil
	}
	return nil, nil
}

func (e *Engine) evalPredicate(predicate string, env map[string]interface{}) (bool, error) {
	eval, err := e.lang.NewEvaluable(predicate)
	if err != nil {
		return false, err
	}
	result, err := eval(context.Background(), env)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("predicate did not evaluate to a boolean, got %T", result)
	}
	return b, nil
}

// Rules returns every installed rule, for introspection/testing.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	return out
}
