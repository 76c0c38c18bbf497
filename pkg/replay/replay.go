// Package replay implements the engine's deterministic replay mode:
// rerun a recorded World Model log through the Reflex Engine with no
// live sensors or plugins, and verify the hash chain matches the
// original recording exactly. Reflex decisions are re-evaluated for each
// sensor_reading but not compared with the recorded reflex_triggered
// events; only a reflex evaluation error is reported. Grounded on
// pkg/worldmodel's replayAndVerify routine (sequential scan, hash
// recomputation, chain comparison), reused here to also replay the
// reflex decision each sensor_reading would have produced.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/reflex"
	"github.com/anse-dev/anse/pkg/schema"
	"github.com/anse-dev/anse/pkg/worldmodel"
)

// Divergence records one point where replay disagreed with the
// original recording.
type Divergence struct {
	Seq    uint64
	Kind   string // "hash_mismatch" | "reflex_mismatch"
	Detail string
}

// Report summarizes a completed replay run.
type Report struct {
	EventsReplayed int
	Divergences    []Divergence
}

// OK reports whether replay reproduced the log exactly.
func (r Report) OK() bool { return len(r.Divergences) == 0 }

// recordedLine mirrors worldmodel's on-disk NDJSON shape for decoding
// without depending on worldmodel's unexported fields.
type recordedLine struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id"`
	CallID    string          `json:"call_id"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Dispatcher replays reflex-fired actions; in replay mode these are
// recorded, not executed against live tools (spec.md's no-side-effects
// replay guarantee).
type Dispatcher struct {
	Fired []FiredAction
}

// FiredAction is one reflex action replay would have dispatched.
type FiredAction struct {
	Seq     uint64
	AgentID string
	Tool    string
	Args    schema.Value
}

func (d *Dispatcher) Dispatch(ctx context.Context, agentID, tool string, args schema.Value) error {
	d.Fired = append(d.Fired, FiredAction{AgentID: agentID, Tool: tool, Args: args})
	return nil
}

// Run replays the NDJSON log at path against engine, recomputing each
// event's hash chain link and, for sensor_reading events, re-evaluating
// the reflex rules exactly as the live Scheduler would have (the first
// matching rule fires).
// It never invokes a live tool handler: reflex actions are captured by
// a Dispatcher stub instead of being dispatched for real.
func Run(ctx context.Context, path string, engine *reflex.Engine) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("replay: open log: %w", err)
	}
	defer f.Close()

	dispatcher := &Dispatcher{}
	report := Report{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lastHash string
	for scanner.Scan() {
		line := scanner.Bytes()
		var rec recordedLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return report, fmt.Errorf("replay: decode line at seq %d: %w", rec.Seq, err)
		}

		payload, err := schema.ParseJSON(rec.Payload)
		if err != nil {
			return report, fmt.Errorf("replay: decode payload at seq %d: %w", rec.Seq, err)
		}

		ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
		if err != nil {
			return report, fmt.Errorf("replay: parse timestamp at seq %d: %w", rec.Seq, err)
		}

		hashInput := map[string]interface{}{
			"seq":       rec.Seq,
			"timestamp": ts.UTC().Format(time.RFC3339Nano),
			"type":      rec.Type,
			"agent_id":  rec.AgentID,
			"call_id":   rec.CallID,
			"payload":   payload.Native(),
			"prev_hash": rec.PrevHash,
		}
		canonical, err := clock.CanonicalJSON(hashInput)
		if err != nil {
			return report, fmt.Errorf("replay: canonicalize at seq %d: %w", rec.Seq, err)
		}
		recomputed := clock.SHA256Hex(canonical)

		if rec.PrevHash != lastHash {
			report.Divergences = append(report.Divergences, Divergence{
				Seq: rec.Seq, Kind: "hash_mismatch",
				Detail: fmt.Sprintf("prev_hash %q does not match running chain %q", rec.PrevHash, lastHash),
			})
		}
		if recomputed != rec.Hash {
			report.Divergences = append(report.Divergences, Divergence{
				Seq: rec.Seq, Kind: "hash_mismatch",
				Detail: fmt.Sprintf("recomputed hash %q does not match recorded hash %q", recomputed, rec.Hash),
			})
		}
		lastHash = rec.Hash

		if worldmodel.EventType(rec.Type) == worldmodel.EventSensorReading && engine != nil {
			before := len(dispatcher.Fired)
			if _, err := engine.Evaluate(ctx, dispatcher, rec.AgentID, rec.CallID, payload); err != nil {
				report.Divergences = append(report.Divergences, Divergence{
					Seq: rec.Seq, Kind: "reflex_mismatch",
					Detail: fmt.Sprintf("reflex evaluation error: %v", err),
				})
			}
			for i := before; i < len(dispatcher.Fired); i++ {
				dispatcher.Fired[i].Seq = rec.Seq
			}
		}

		report.EventsReplayed++
	}
	if err := scanner.Err(); err != nil {
		return report, fmt.Errorf("replay: scan: %w", err)
	}

	return report, nil
}
