// Package worldmodel implements the engine's append-only, hash-chained
// event log — the single source of truth every other component reads
// from and writes to. Its broadcast/backpressure discipline is adapted
// from a Postgres-backed event bus onto a local, file-backed hash chain.
package worldmodel

import (
	"bufio"
	"container/ring"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/schema"
)

// EventType enumerates the kinds of events the engine appends to the
// World Model.
type EventType string

const (
	EventSensorReading     EventType = "sensor_reading"
	EventReflexTriggered   EventType = "reflex_triggered"
	EventToolCall          EventType = "tool_call"
	EventToolResult        EventType = "tool_result"
	EventMemoryStored      EventType = "memory_stored"
	EventPluginLifecycle   EventType = "plugin_lifecycle"
	EventWorldModelSnapshot EventType = "world_model_snapshot"
	EventApproval          EventType = "approval"
	EventDenied            EventType = "denied"
)

// Event is one entry in the hash-chained log.
type Event struct {
	Seq       uint64        `json:"seq"`
	Timestamp time.Time     `json:"timestamp"`
	Type      EventType     `json:"type"`
	AgentID   string        `json:"agent_id"`
	CallID    string        `json:"call_id,omitempty"`
	Payload   schema.Value  `json:"payload"`
	PrevHash  string        `json:"prev_hash"`
	Hash      string        `json:"hash"`
}

// hashInput returns the canonical byte representation hashed to produce
// Event.Hash. The hash itself is excluded; everything else that
// identifies the event is included.
func (e Event) hashInput() ([]byte, error) {
	m := map[string]interface{}{
		"seq":       e.Seq,
		"timestamp": e.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":      string(e.Type),
		"agent_id":  e.AgentID,
		"call_id":   e.CallID,
		"payload":   e.Payload.Native(),
		"prev_hash": e.PrevHash,
	}
	return clock.CanonicalJSON(m)
}

// Filter restricts which events a consumer (GetRecent, Subscribe) wants.
type Filter struct {
	AgentID string
	Types   []EventType
}

func (f Filter) match(e Event) bool {
	if f.AgentID != "" && f.AgentID != e.AgentID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

const defaultSubscriberBuffer = 64

// DropNotice reports that events in [FromSeq, ToSeq] were not delivered
// to a subscriber because it fell behind — the subscriber is
// disconnected for backpressure, but never silently: this notice is
// queued before the event channel closes.
type DropNotice struct {
	FromSeq uint64
	ToSeq   uint64
}

// Subscription delivers events matching a Filter to a consumer. ch is
// closed (after one DropNotice delivery attempt) if the consumer fell
// behind and was disconnected for backpressure.
type Subscription struct {
	ch      chan Event
	dropped chan DropNotice
	filter  Filter
	id      uint64
	model   *Model
	closed  bool
	lastSeq uint64
	mu      sync.Mutex
}

// Events returns the channel the subscriber should range over.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped delivers at most one DropNotice, sent just before Events()
// closes if the subscriber was disconnected for falling behind.
func (s *Subscription) Dropped() <-chan DropNotice { return s.dropped }

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.model.unsubscribe(s.id)
}

// Model is the World Model: an in-memory recency buffer plus a durable,
// hash-chained NDJSON file, with fan-out to subscribers. Grounded on
// ConnectionManager's connections/channels maps and Broadcast's
// snapshot-then-release-lock discipline (pkg/events/manager.go).
type Model struct {
	mu          sync.RWMutex
	file        *os.File
	writer      *bufio.Writer
	lastHash    string
	seq         *clock.SeqAllocator
	clk         clock.Clock
	recent      *ring.Ring
	recentLen   int

	subMu   sync.RWMutex
	subs    map[uint64]*Subscription
	nextSub uint64

	logger *slog.Logger
}

// Config controls Model construction.
type Config struct {
	LogPath       string
	RecentSize    int // ring buffer capacity; default 1024
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Open opens (creating if necessary) the append-only log at cfg.LogPath,
// replays it to verify the hash chain and to seed the recency buffer and
// sequence allocator, and returns a ready Model. A hash mismatch is a
// fatal integrity error (category 6, spec.md §7) and is returned as such
// — callers at the process boundary should exit with the documented
// integrity-error exit code.
func Open(cfg Config) (*Model, error) {
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	f, err := os.OpenFile(cfg.LogPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("worldmodel: open log: %w", err)
	}

	m := &Model{
		file:      f,
		writer:    bufio.NewWriter(f),
		seq:       clock.NewSeqAllocator(0),
		clk:       cfg.Clock,
		recent:    ring.New(cfg.RecentSize),
		recentLen: cfg.RecentSize,
		subs:      make(map[uint64]*Subscription),
		logger:    cfg.Logger,
	}

	if err := m.replayAndVerify(); err != nil {
		f.Close()
		return nil, err
	}

	return m, nil
}

func (m *Model) replayAndVerify() error {
	if _, err := m.file.Seek(0, 0); err != nil {
		return fmt.Errorf("worldmodel: seek: %w", err)
	}
	scanner := bufio.NewScanner(m.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var lastHash string
	var maxSeq uint64
	var count uint64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("worldmodel: integrity error: corrupt log line %d: %w", count, err)
		}
		if e.PrevHash != lastHash {
			return fmt.Errorf("worldmodel: integrity error: hash chain broken at seq %d (prev_hash mismatch)", e.Seq)
		}
		input, err := e.hashInput()
		if err != nil {
			return fmt.Errorf("worldmodel: integrity error: re-hash seq %d: %w", e.Seq, err)
		}
		if want := clock.SHA256Hex(input); want != e.Hash {
			return fmt.Errorf("worldmodel: integrity error: hash mismatch at seq %d", e.Seq)
		}
		lastHash = e.Hash
		if e.Seq+1 > maxSeq {
			maxSeq = e.Seq + 1
		}
		m.recent.Value = e
		m.recent = m.recent.Next()
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("worldmodel: integrity error: reading log: %w", err)
	}

	if _, err := m.file.Seek(0, 2); err != nil {
		return fmt.Errorf("worldmodel: seek end: %w", err)
	}
	m.lastHash = lastHash
	m.seq = clock.NewSeqAllocator(maxSeq)
	m.logger.Info("world model replayed", "events", count, "last_hash", lastHash)
	return nil
}

// Append appends a new event of the given type/agent/call/payload,
// chaining it to the previous hash, persisting it durably, and fanning
// it out to matching subscribers. It is safe for concurrent use.
func (m *Model) Append(ctx context.Context, typ EventType, agentID, callID string, payload schema.Value) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := Event{
		Seq:       m.seq.Peek(),
		Timestamp: m.clk.Now(),
		Type:      typ,
		AgentID:   agentID,
		CallID:    callID,
		Payload:   payload,
		PrevHash:  m.lastHash,
	}
	input, err := e.hashInput()
	if err != nil {
		return Event{}, fmt.Errorf("worldmodel: hash input: %w", err)
	}
	e.Hash = clock.SHA256Hex(input)

	line, err := json.Marshal(e)
	if err != nil {
		return Event{}, fmt.Errorf("worldmodel: marshal event: %w", err)
	}
	if _, err := m.writer.Write(append(line, '\n')); err != nil {
		m.logger.Error("world model append failed, durability at risk", "error", err)
		return Event{}, fmt.Errorf("worldmodel: integrity error: write: %w", err)
	}
	if err := m.writer.Flush(); err != nil {
		m.logger.Error("world model flush failed, durability at risk", "error", err)
		return Event{}, fmt.Errorf("worldmodel: integrity error: flush: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		m.logger.Error("world model fsync failed, durability at risk", "error", err)
		return Event{}, fmt.Errorf("worldmodel: integrity error: fsync: %w", err)
	}

	m.seq.Next()
	m.lastHash = e.Hash
	m.recent.Value = e
	m.recent = m.recent.Next()

	m.broadcast(e)
	return e, nil
}

// GetRecent returns up to n most recent events matching filter, oldest
// first. Only events still held in the recency ring buffer are searched;
// older events are not read back from the log file.
func (m *Model) GetRecent(n int, filter Filter) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []Event
	m.recent.Do(func(v interface{}) {
		if v == nil {
			return
		}
		e := v.(Event)
		if filter.match(e) {
			all = append(all, e)
		}
	})
	if len(all) <= n || n <= 0 {
		return all
	}
	return all[len(all)-n:]
}

// Snapshot returns the hash of the most recently appended event (the
// current chain tip), the cheapest possible integrity fingerprint of the
// whole log.
func (m *Model) Snapshot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastHash
}

// Subscribe registers a new Subscription whose channel receives future
// events matching filter. The caller must range over Events() and call
// Close when done.
func (m *Model) Subscribe(filter Filter) *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	id := m.nextSub
	m.nextSub++
	sub := &Subscription{
		ch:      make(chan Event, defaultSubscriberBuffer),
		dropped: make(chan DropNotice, 1),
		filter:  filter,
		id:      id,
		model:   m,
	}
	m.subs[id] = sub
	return sub
}

func (m *Model) unsubscribe(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.mu.Lock()
		if !sub.closed {
			close(sub.ch)
			sub.closed = true
		}
		sub.mu.Unlock()
		delete(m.subs, id)
	}
}

// broadcast fans e out to matching subscribers. Mirrors
// ConnectionManager.Broadcast: snapshot the subscriber list under a
// read lock, then send outside any lock so a slow subscriber cannot
// block new appends.
func (m *Model) broadcast(e Event) {
	m.subMu.RLock()
	targets := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if sub.filter.match(e) {
			targets = append(targets, sub)
		}
	}
	m.subMu.RUnlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- e:
			sub.lastSeq = e.Seq
		default:
			// Subscriber fell behind: disconnect rather than block or
			// silently drop, but first queue a DropNotice so the
			// consumer learns exactly which seq range it missed
			// (ConnectionManager's overflow handling, extended with
			// the dropped-events indicator spec.md requires).
			m.logger.Warn("subscriber dropped for backpressure", "subscription", sub.id)
			sub.dropped <- DropNotice{FromSeq: sub.lastSeq + 1, ToSeq: e.Seq}
			close(sub.ch)
			sub.closed = true
			go m.unsubscribe(sub.id)
		}
		sub.mu.Unlock()
	}
}

// Close flushes and closes the underlying log file.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writer.Flush(); err != nil {
		return err
	}
	return m.file.Close()
}
