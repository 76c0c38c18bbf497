package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := NewFakeClock(start)
	require.Equal(t, start, fc.Now())

	fc.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), fc.Now())

	later := start.Add(time.Hour)
	fc.Set(later)
	assert.Equal(t, later, fc.Now())
}

func TestSeqAllocatorGapFree(t *testing.T) {
	a := NewSeqAllocator(0)
	for i := uint64(0); i < 5; i++ {
		require.Equal(t, i, a.Next())
	}
	assert.Equal(t, uint64(5), a.Peek())
}

func TestNewCallIDUnique(t *testing.T) {
	a := NewCallID()
	b := NewCallID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestCanonicalJSONSortedKeys(t *testing.T) {
	v := map[string]interface{}{
		"b": 1,
		"a": "x",
		"c": []interface{}{1, 2, 3},
	}
	out, err := CanonicalJSON(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[1,2,3]}`, string(out))
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	v := map[string]interface{}{"x": 1.0, "y": 2.5}
	out1, err := CanonicalJSON(v)
	require.NoError(t, err)
	out2, err := CanonicalJSON(v)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
	assert.Equal(t, SHA256Hex(out1), SHA256Hex(out2))
}
