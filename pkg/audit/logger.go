// Package audit implements the engine's Audit Logger: a sanitized,
// append-only trail of every tool call decision (allowed, denied,
// errored), sharing the World Model's hash-chaining discipline but
// written to its own file, plus a compliance summary index in the
// embedded store for fast aggregate queries.
//
// Sanitization is grounded on pkg/masking/service.go's fail-closed
// MaskToolResult and pkg/mcp/tokens.go's TruncateForStorage byte-budget
// truncation; Stats aggregation is grounded on
// pkg/config.Config.Stats()'s registry-counting pattern.
package audit

import (
	"context"
	"log/slog"

	"github.com/anse-dev/anse/pkg/schema"
	"github.com/anse-dev/anse/pkg/store"
	"github.com/anse-dev/anse/pkg/worldmodel"
)

const (
	// maxAuditReasonBytes bounds how much of a denial/error reason is
	// stored verbatim before truncation, mirroring tokens.go's
	// DefaultStorageMaxTokens*charsPerToken byte budget.
	maxAuditReasonBytes = 32000
)

// EventAudit is the event type audit entries are appended under in the
// audit NDJSON file (distinct from worldmodel's sensor/tool-call events).
const EventAudit worldmodel.EventType = "audit_entry"

// Sanitizer redacts sensitive content out of a reason/payload string
// before it is durably recorded. Fails closed: on error, the caller
// substitutes a redaction notice rather than risk leaking raw content.
type Sanitizer func(content string) (string, error)

// Logger is the Audit Logger component.
type Logger struct {
	log        *worldmodel.Model
	index      *store.Client
	sanitize   Sanitizer
	logger     *slog.Logger
}

// New constructs a Logger writing to its own hash-chained NDJSON file
// (log) and summarizing into the embedded store's audit_index (index).
// sanitize may be nil to skip content redaction.
func New(log *worldmodel.Model, index *store.Client, sanitize Sanitizer, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{log: log, index: index, sanitize: sanitize, logger: logger}
}

// Record appends one audit entry and a matching audit_index row.
// status is "ok", "denied", "error" or "timeout" for tool calls, and
// "issued" or "revoked" for approval tokens. Failures to sanitize content
// fail closed: the stored reason is replaced with a redaction notice,
// never the raw (potentially sensitive) content.
func (l *Logger) Record(ctx context.Context, agentID, tool, status, reason string) {
	safeReason := l.safeReason(reason)

	payload := schema.Object(map[string]schema.Value{
		"tool":   schema.String(tool),
		"status": schema.String(status),
		"reason": schema.String(safeReason),
	})

	event, err := l.log.Append(ctx, EventAudit, agentID, "", payload)
	if err != nil {
		l.logger.Error("audit log append failed", "error", err, "agent", agentID, "tool", tool)
		return
	}

	if l.index != nil {
		row := store.AuditIndexRow{
			Seq:       event.Seq,
			Tool:      tool,
			AgentID:   agentID,
			Status:    status,
			Timestamp: event.Timestamp,
		}
		if err := l.index.InsertAuditIndex(ctx, row); err != nil {
			l.logger.Error("audit index insert failed", "error", err)
		}
	}
}

// safeReason sanitizes and truncates reason, failing closed on a
// sanitizer error rather than storing unredacted content.
func (l *Logger) safeReason(reason string) string {
	if reason == "" {
		return ""
	}
	out := reason
	if l.sanitize != nil {
		sanitized, err := l.sanitize(reason)
		if err != nil {
			l.logger.Error("audit sanitization failed, redacting (fail-closed)", "error", err)
			return "[REDACTED: audit sanitization failure]"
		}
		out = sanitized
	}
	if len(out) > maxAuditReasonBytes {
		out = out[:maxAuditReasonBytes] + "...[TRUNCATED]"
	}
	return out
}

// Stats returns compliance summary counts from the audit index.
func (l *Logger) Stats(ctx context.Context) (store.AuditStats, error) {
	if l.index == nil {
		return store.AuditStats{}, nil
	}
	return l.index.Stats(ctx)
}

// GetRecent returns the n most recent audit entries for an agent (or all
// agents if agentID is empty).
func (l *Logger) GetRecent(n int, agentID string) []worldmodel.Event {
	return l.log.GetRecent(n, worldmodel.Filter{AgentID: agentID, Types: []worldmodel.EventType{EventAudit}})
}
