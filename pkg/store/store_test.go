package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Client {
	t.Helper()
	c, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertAndGetAgent(t *testing.T) {
	c := openTestStore(t)
	ctx := context.Background()
	rec := AgentRecord{
		AgentID:       "agent-1",
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		GrantedScopes: []string{"tool.read", "tool.write"},
		Metadata:      map[string]string{"env": "sandbox"},
	}
	require.NoError(t, c.UpsertAgent(ctx, rec))

	got, err := c.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, rec.GrantedScopes, got.GrantedScopes)
	assert.Equal(t, "sandbox", got.Metadata["env"])
}

func TestTokenLifecycle(t *testing.T) {
	c := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, c.UpsertAgent(ctx, AgentRecord{AgentID: "agent-1", CreatedAt: time.Now()}))

	tok := TokenRecord{
		TokenID:   "tok-1",
		AgentID:   "agent-1",
		Scope:     "net.http",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
		Signature: "deadbeef",
	}
	require.NoError(t, c.InsertToken(ctx, tok))

	got, err := c.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	require.NoError(t, c.RevokeToken(ctx, "tok-1"))
	got, err = c.GetToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
}

func TestAuditStats(t *testing.T) {
	c := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, c.InsertAuditIndex(ctx, AuditIndexRow{Seq: 0, Tool: "net.http", AgentID: "a1", Status: "ok", Timestamp: time.Now()}))
	require.NoError(t, c.InsertAuditIndex(ctx, AuditIndexRow{Seq: 1, Tool: "net.http", AgentID: "a1", Status: "denied", Timestamp: time.Now()}))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCalls)
	assert.Equal(t, 2, stats.ByTool["net.http"])
	assert.Equal(t, 1, stats.ByStatus["ok"])
	assert.Equal(t, 1, stats.ByStatus["denied"])
}
