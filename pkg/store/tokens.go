package store

import (
	"context"
	"fmt"
	"time"
)

// TokenRecord is the durable record for an issued ApprovalToken.
type TokenRecord struct {
	TokenID   string
	AgentID   string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	Signature string
}

// InsertToken persists a newly issued approval token.
func (c *Client) InsertToken(ctx context.Context, rec TokenRecord) error {
	_, err := c.DB.ExecContext(ctx, `
		INSERT INTO approval_tokens (token_id, agent_id, scope, issued_at, expires_at, revoked, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.TokenID, rec.AgentID, rec.Scope,
		rec.IssuedAt.UTC().Format(time.RFC3339Nano),
		rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.Revoked), rec.Signature)
	if err != nil {
		return fmt.Errorf("store: insert token: %w", err)
	}
	return nil
}

// GetToken loads a token by id.
func (c *Client) GetToken(ctx context.Context, tokenID string) (TokenRecord, error) {
	var rec TokenRecord
	var issuedAt, expiresAt string
	var revoked int
	row := c.DB.QueryRowContext(ctx, `
		SELECT token_id, agent_id, scope, issued_at, expires_at, revoked, signature
		FROM approval_tokens WHERE token_id = ?
	`, tokenID)
	if err := row.Scan(&rec.TokenID, &rec.AgentID, &rec.Scope, &issuedAt, &expiresAt, &revoked, &rec.Signature); err != nil {
		return TokenRecord{}, err
	}
	rec.IssuedAt, _ = time.Parse(time.RFC3339Nano, issuedAt)
	rec.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	rec.Revoked = revoked != 0
	return rec, nil
}

// RevokeToken marks a token as revoked.
func (c *Client) RevokeToken(ctx context.Context, tokenID string) error {
	_, err := c.DB.ExecContext(ctx, `UPDATE approval_tokens SET revoked = 1 WHERE token_id = ?`, tokenID)
	if err != nil {
		return fmt.Errorf("store: revoke token: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
