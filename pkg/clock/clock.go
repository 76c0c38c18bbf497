// Package clock provides the engine's single source of time, identifiers,
// and sequence numbers, so every other package can be driven by a fake
// clock in tests and during deterministic replay.
package clock

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time. SystemClock is used in production;
// FakeClock drives deterministic tests and replay mode.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a manually advanced Clock for tests and replay.
type FakeClock struct {
	now atomic.Int64 // unix nanos
}

// NewFakeClock returns a FakeClock initialized to t.
func NewFakeClock(t time.Time) *FakeClock {
	fc := &FakeClock{}
	fc.now.Store(t.UnixNano())
	return fc
}

func (fc *FakeClock) Now() time.Time {
	return time.Unix(0, fc.now.Load()).UTC()
}

// Advance moves the fake clock forward by d.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.now.Add(int64(d))
}

// Set moves the fake clock to an absolute time.
func (fc *FakeClock) Set(t time.Time) {
	fc.now.Store(t.UnixNano())
}

// NewCallID returns a random 128-bit identifier suitable for a tool call
// id, agent id, or approval token id.
func NewCallID() string {
	return uuid.NewString()
}

// SeqAllocator hands out gap-free, monotonically increasing sequence
// numbers for a single World Model instance. The zero value is ready to
// use and starts at 0; NewSeqAllocator sets another start.
type SeqAllocator struct {
	next atomic.Uint64
}

// NewSeqAllocator returns an allocator whose first Next() call returns start.
func NewSeqAllocator(start uint64) *SeqAllocator {
	a := &SeqAllocator{}
	a.next.Store(start)
	return a
}

// Next returns the next sequence number and advances the allocator.
func (a *SeqAllocator) Next() uint64 {
	return a.next.Add(1) - 1
}

// Peek returns the sequence number that would be returned by the next
// call to Next, without advancing the allocator.
func (a *SeqAllocator) Peek() uint64 {
	return a.next.Load()
}
