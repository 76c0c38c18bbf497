// Package permission implements the engine's Permission Layer: static
// scope policy plus dynamic HMAC-signed approval tokens, combined into a
// single ordered Check decision. Grounded on pkg/config/validator.go's
// ordered-validation style and pkg/mcp/executor.go's resolveToolCall
// (validate-then-typed-deny) pattern.
package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/anse-dev/anse/pkg/audit"
	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/store"
)

// Decision is the outcome of a Check call.
type Decision int

const (
	Allow Decision = iota
	Deny
	RequireApproval
)

// Result carries a Decision plus the reason or the scope that must be
// approved.
type Result struct {
	Decision Decision
	Reason   string
	Scope    string
}

// Policy is the static part of the Permission Layer: per-agent granted
// scopes and per-tool required scopes/sensitivity, loaded from the
// engine's configuration document.
type Policy struct {
	DefaultScopes  []string
	ToolScopes     map[string][]string // tool name -> required scopes
	ToolSensitivity map[string]string  // tool name -> "low"|"medium"|"high"
}

func (p *Policy) requiredScopes(tool string) []string {
	if p == nil {
		return nil
	}
	return p.ToolScopes[tool]
}

func (p *Policy) sensitivity(tool string) string {
	if p == nil {
		return "low"
	}
	if s, ok := p.ToolSensitivity[tool]; ok {
		return s
	}
	return "low"
}

// Layer is the Permission Layer: static policy plus a token signer/store.
type Layer struct {
	policy *Policy
	tokens *TokenIssuer
	grants map[string]map[string]bool // agentID -> granted scope set (in addition to policy defaults)
}

// New constructs a Permission Layer over policy and a token issuer.
func New(policy *Policy, tokens *TokenIssuer) *Layer {
	return &Layer{
		policy: policy,
		tokens: tokens,
		grants: make(map[string]map[string]bool),
	}
}

// GrantScopes records additional scopes an agent was configured with
// (beyond the policy's default_scopes), e.g. at agent registration.
func (l *Layer) GrantScopes(agentID string, scopes []string) {
	set, ok := l.grants[agentID]
	if !ok {
		set = make(map[string]bool)
		l.grants[agentID] = set
	}
	for _, s := range scopes {
		set[s] = true
	}
}

func (l *Layer) hasScope(agentID, scope string) bool {
	for _, s := range l.policy.DefaultScopes {
		if s == scope {
			return true
		}
	}
	return l.grants[agentID] != nil && l.grants[agentID][scope]
}

// Check evaluates whether agentID may call tool right now. A tool whose
// required scope is not statically granted, whatever its sensitivity,
// requires a live, unexpired, unrevoked ApprovalToken for that exact
// scope presented via approvalToken; its absence yields RequireApproval rather
// than an outright Deny so the caller knows an approval flow can
// proceed.
func (l *Layer) Check(ctx context.Context, agentID, tool string, approvalToken string) (Result, error) {
	required := l.policy.requiredScopes(tool)
	if len(required) == 0 {
		return Result{Decision: Allow}, nil
	}

	var missing []string
	for _, scope := range required {
		if !l.hasScope(agentID, scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) == 0 {
		return Result{Decision: Allow}, nil
	}

	// Any tool, whatever its sensitivity, may be unlocked per-call by a
	// valid approval token scoped to the missing permission.
	for _, scope := range missing {
		if approvalToken == "" {
			continue
		}
		ok, err := l.tokens.Verify(ctx, approvalToken, agentID, scope)
		if err != nil {
			return Result{}, fmt.Errorf("permission: verify token: %w", err)
		}
		if ok {
			continue
		}
		return Result{Decision: Deny, Reason: fmt.Sprintf("approval token invalid for scope %q", scope)}, nil
	}
	if approvalToken != "" {
		return Result{Decision: Allow}, nil
	}

	return Result{Decision: RequireApproval, Reason: "missing scope", Scope: missing[0]}, nil
}

// TokenIssuer issues and verifies HMAC-SHA256-signed ApprovalTokens,
// backed by the embedded store for persistence/revocation.
type TokenIssuer struct {
	secret  []byte
	store   *store.Client
	clk     clock.Clock
	auditor *audit.Logger
}

// NewTokenIssuer constructs a TokenIssuer signing with secret. auditor
// records an audit event on every Issue/Revoke; it may be nil to skip
// auditing (e.g. in tests).
func NewTokenIssuer(secret []byte, st *store.Client, clk clock.Clock, auditor *audit.Logger) *TokenIssuer {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &TokenIssuer{secret: secret, store: st, clk: clk, auditor: auditor}
}

// Issue mints a new ApprovalToken for agentID/scope valid for ttl.
func (t *TokenIssuer) Issue(ctx context.Context, agentID, scope string, ttl time.Duration) (store.TokenRecord, error) {
	now := t.clk.Now()
	rec := store.TokenRecord{
		TokenID:   clock.NewCallID(),
		AgentID:   agentID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	rec.Signature = t.sign(rec)
	if err := t.store.InsertToken(ctx, rec); err != nil {
		return store.TokenRecord{}, fmt.Errorf("permission: issue token: %w", err)
	}
	if t.auditor != nil {
		t.auditor.Record(ctx, agentID, "permission.approval_token", "issued", scope)
	}
	return rec, nil
}

// Verify checks tokenID is signed correctly, unexpired, unrevoked, and
// scoped to (agentID, scope).
func (t *TokenIssuer) Verify(ctx context.Context, tokenID, agentID, scope string) (bool, error) {
	rec, err := t.store.GetToken(ctx, tokenID)
	if err != nil {
		return false, nil // unknown token: not an error, just not valid
	}
	if rec.Revoked || rec.AgentID != agentID || rec.Scope != scope {
		return false, nil
	}
	if t.clk.Now().After(rec.ExpiresAt) {
		return false, nil
	}
	expected := t.sign(rec)
	return hmacEqual(expected, rec.Signature), nil
}

// Revoke invalidates a token immediately.
func (t *TokenIssuer) Revoke(ctx context.Context, tokenID string) error {
	if err := t.store.RevokeToken(ctx, tokenID); err != nil {
		return err
	}
	if t.auditor != nil {
		agentID, scope := "", ""
		if rec, err := t.store.GetToken(ctx, tokenID); err == nil {
			agentID, scope = rec.AgentID, rec.Scope
		}
		t.auditor.Record(ctx, agentID, "permission.approval_token", "revoked", scope)
	}
	return nil
}
