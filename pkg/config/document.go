// Package config loads, merges, and validates the engine's single YAML
// policy document: a load -> expand-env -> merge-with-builtin-defaults
// -> validate pipeline, retargeted from a multi-document config (agents,
// chains, MCP servers, LLM providers) to ANSE's single policy document.
package config

// Document is the engine's policy document, exactly the fields of
// spec.md §6: port, host, default_scopes, tool_overrides, quota_defaults,
// plugins_dir, event_log_path, audit_log_path, simulate.
type Document struct {
	Host          string                  `yaml:"host"`
	Port          int                     `yaml:"port"`
	DefaultScopes []string                `yaml:"default_scopes"`
	ToolOverrides map[string]ToolOverride `yaml:"tool_overrides"`
	QuotaDefaults QuotaDefaults           `yaml:"quota_defaults"`
	PluginsDir    string                  `yaml:"plugins_dir"`
	EventLogPath  string                  `yaml:"event_log_path"`
	AuditLogPath  string                  `yaml:"audit_log_path"`
	Simulate      bool                    `yaml:"simulate"`

	// ServerSecretEnv names the environment variable holding the
	// approval-token HMAC signing key (never stored in the document
	// itself). Defaults to ANSE_SERVER_SECRET.
	ServerSecretEnv string `yaml:"server_secret_env,omitempty"`
}

// ToolOverride customizes one tool's policy, keyed by tool name in
// Document.ToolOverrides.
type ToolOverride struct {
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute,omitempty"`
	Sensitivity        string   `yaml:"sensitivity,omitempty"`
	RequiredScopes     []string `yaml:"required_scopes,omitempty"`
	TimeoutMs          int      `yaml:"timeout_ms,omitempty"`
}

// QuotaDefaults is the engine-wide per-agent budget applied absent a
// tool-specific override.
type QuotaDefaults struct {
	CPUMsPerWindow   int64 `yaml:"cpu_ms_per_window"`
	StorageBytes     int64 `yaml:"storage_bytes"`
	WindowSeconds    int   `yaml:"window_seconds"`
}
