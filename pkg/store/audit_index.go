package store

import (
	"context"
	"fmt"
	"time"
)

// AuditIndexRow is a compliance-summary row shadowing an audit log entry,
// kept distinct from the raw NDJSON trail so compliance queries don't
// have to scan the event stream.
type AuditIndexRow struct {
	Seq       uint64
	Tool      string
	AgentID   string
	Status    string
	Timestamp time.Time
}

// InsertAuditIndex records a compliance-summary row for one audit entry.
func (c *Client) InsertAuditIndex(ctx context.Context, row AuditIndexRow) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO audit_index (seq, tool, agent_id, status, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, row.Seq, row.Tool, row.AgentID, row.Status, row.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: insert audit index: %w", err)
	}
	return nil
}

// AuditStats summarizes audit activity, grounded on config.Config.Stats().
type AuditStats struct {
	TotalCalls  int
	ByStatus    map[string]int
	ByTool      map[string]int
	ByAgent     map[string]int
}

// Stats aggregates the audit index into summary counts.
func (c *Client) Stats(ctx context.Context) (AuditStats, error) {
	stats := AuditStats{
		ByStatus: map[string]int{},
		ByTool:   map[string]int{},
		ByAgent:  map[string]int{},
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT tool, agent_id, status FROM audit_index`)
	if err != nil {
		return stats, fmt.Errorf("store: stats query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tool, agent, status string
		if err := rows.Scan(&tool, &agent, &status); err != nil {
			return stats, fmt.Errorf("store: stats scan: %w", err)
		}
		stats.TotalCalls++
		stats.ByStatus[status]++
		stats.ByTool[tool]++
		stats.ByAgent[agent]++
	}
	return stats, rows.Err()
}
