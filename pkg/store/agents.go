package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AgentRecord is the durable record for a registered agent.
type AgentRecord struct {
	AgentID       string
	CreatedAt     time.Time
	GrantedScopes []string
	Metadata      map[string]string
}

// UpsertAgent inserts or updates an agent's durable record.
func (c *Client) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	scopes, err := json.Marshal(rec.GrantedScopes)
	if err != nil {
		return fmt.Errorf("store: marshal scopes: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = c.DB.ExecContext(ctx, `
		INSERT INTO agents (agent_id, created_at, granted_scopes, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET granted_scopes = excluded.granted_scopes, metadata = excluded.metadata
	`, rec.AgentID, rec.CreatedAt.UTC().Format(time.RFC3339Nano), string(scopes), string(meta))
	if err != nil {
		return fmt.Errorf("store: upsert agent: %w", err)
	}
	return nil
}

// GetAgent loads an agent's durable record, or sql.ErrNoRows if absent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (AgentRecord, error) {
	var rec AgentRecord
	var createdAt, scopes, meta string
	row := c.DB.QueryRowContext(ctx, `
		SELECT agent_id, created_at, granted_scopes, metadata FROM agents WHERE agent_id = ?
	`, agentID)
	if err := row.Scan(&rec.AgentID, &createdAt, &scopes, &meta); err != nil {
		return AgentRecord{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return AgentRecord{}, fmt.Errorf("store: parse created_at: %w", err)
	}
	rec.CreatedAt = ts
	if err := json.Unmarshal([]byte(scopes), &rec.GrantedScopes); err != nil {
		return AgentRecord{}, fmt.Errorf("store: unmarshal scopes: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
		return AgentRecord{}, fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	return rec, nil
}

// ListAgents returns every registered agent, ordered by agent_id.
func (c *Client) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT agent_id, created_at, granted_scopes, metadata FROM agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		var createdAt, scopes, meta string
		if err := rows.Scan(&rec.AgentID, &createdAt, &scopes, &meta); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse created_at: %w", err)
		}
		rec.CreatedAt = ts
		json.Unmarshal([]byte(scopes), &rec.GrantedScopes)
		json.Unmarshal([]byte(meta), &rec.Metadata)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var ErrNotFound = sql.ErrNoRows
