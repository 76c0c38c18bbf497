package worldmodel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestModel(t *testing.T) *Model {
	t.Helper()
	dir := t.TempDir()
	m, err := Open(Config{
		LogPath: filepath.Join(dir, "events.ndjson"),
		Clock:   clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAppendChainsHashes(t *testing.T) {
	m := openTestModel(t)
	ctx := context.Background()

	e1, err := m.Append(ctx, EventSensorReading, "agent-1", "", schema.String("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), e1.Seq)
	assert.Equal(t, "", e1.PrevHash)
	assert.NotEmpty(t, e1.Hash)

	e2, err := m.Append(ctx, EventToolCall, "agent-1", "call-1", schema.String("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e2.Seq)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.NotEqual(t, e1.Hash, e2.Hash)

	assert.Equal(t, e2.Hash, m.Snapshot())
}

func TestReplayVerifiesChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	m, err := Open(Config{LogPath: path})
	require.NoError(t, err)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := m.Append(ctx, EventSensorReading, "agent-1", "", schema.Int(int64(i)))
		require.NoError(t, err)
	}
	tip := m.Snapshot()
	require.NoError(t, m.Close())

	reopened, err := Open(Config{LogPath: path})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, tip, reopened.Snapshot())
	assert.Len(t, reopened.GetRecent(100, Filter{}), 10)
}

func TestReplayDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	m, err := Open(Config{LogPath: path})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = m.Append(ctx, EventSensorReading, "agent-1", "", schema.Int(1))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	require.NoError(t, os.WriteFile(path, []byte(`{"seq":0,"timestamp":"2026-01-01T00:00:00Z","type":"sensor_reading","agent_id":"agent-1","payload":999,"prev_hash":"","hash":"deadbeef"}`+"\n"), 0o644))

	_, err = Open(Config{LogPath: path})
	assert.ErrorContains(t, err, "integrity error")
}

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	m := openTestModel(t)
	ctx := context.Background()
	sub := m.Subscribe(Filter{AgentID: "agent-1"})
	defer sub.Close()

	_, err := m.Append(ctx, EventSensorReading, "agent-2", "", schema.Null())
	require.NoError(t, err)
	_, err = m.Append(ctx, EventSensorReading, "agent-1", "", schema.String("hit"))
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		assert.Equal(t, "agent-1", e.AgentID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestGetRecentRespectsLimit(t *testing.T) {
	m := openTestModel(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := m.Append(ctx, EventSensorReading, "agent-1", "", schema.Int(int64(i)))
		require.NoError(t, err)
	}
	recent := m.GetRecent(2, Filter{})
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].Seq)
	assert.Equal(t, uint64(4), recent[1].Seq)
}
