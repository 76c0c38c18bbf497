package config

import (
	"fmt"
)

// Validate runs the fail-fast field validation chain, flattened to this
// package's single document (no per-component registries to walk).
func Validate(doc *Document) error {
	if doc.Port < 0 || doc.Port > 65535 {
		return &ValidationError{Field: "port", Err: fmt.Errorf("must be in [0, 65535], got %d", doc.Port)}
	}
	if doc.Host == "" {
		return &ValidationError{Field: "host", Err: fmt.Errorf("must not be empty")}
	}
	if doc.PluginsDir == "" {
		return &ValidationError{Field: "plugins_dir", Err: fmt.Errorf("must not be empty")}
	}
	if doc.EventLogPath == "" {
		return &ValidationError{Field: "event_log_path", Err: fmt.Errorf("must not be empty")}
	}
	if doc.AuditLogPath == "" {
		return &ValidationError{Field: "audit_log_path", Err: fmt.Errorf("must not be empty")}
	}
	if doc.EventLogPath == doc.AuditLogPath {
		return &ValidationError{Field: "audit_log_path", Err: fmt.Errorf("must differ from event_log_path")}
	}
	if doc.QuotaDefaults.WindowSeconds <= 0 {
		return &ValidationError{Field: "quota_defaults.window_seconds", Err: fmt.Errorf("must be positive, got %d", doc.QuotaDefaults.WindowSeconds)}
	}
	if doc.QuotaDefaults.CPUMsPerWindow <= 0 {
		return &ValidationError{Field: "quota_defaults.cpu_ms_per_window", Err: fmt.Errorf("must be positive, got %d", doc.QuotaDefaults.CPUMsPerWindow)}
	}
	if doc.QuotaDefaults.StorageBytes <= 0 {
		return &ValidationError{Field: "quota_defaults.storage_bytes", Err: fmt.Errorf("must be positive, got %d", doc.QuotaDefaults.StorageBytes)}
	}

	for name, ov := range doc.ToolOverrides {
		if ov.RateLimitPerMinute < 0 {
			return &ValidationError{Field: "tool_overrides." + name + ".rate_limit_per_minute", Err: fmt.Errorf("must not be negative")}
		}
		switch ov.Sensitivity {
		case "", "low", "medium", "high":
		default:
			return &ValidationError{Field: "tool_overrides." + name + ".sensitivity", Err: fmt.Errorf("unknown sensitivity %q", ov.Sensitivity)}
		}
		if ov.TimeoutMs < 0 {
			return &ValidationError{Field: "tool_overrides." + name + ".timeout_ms", Err: fmt.Errorf("must not be negative")}
		}
	}

	return nil
}
