package audit

import (
	"fmt"
	"regexp"
)

// compiledPattern pairs a regex with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns are the default redaction rules applied before content
// is written to the audit trail: API keys, bearer tokens, and
// private-key-shaped blocks, retargeted from Kubernetes/cloud-secret
// patterns to generic tool-call secret shapes.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{"bearer_token", `(?i)bearer\s+[a-z0-9._-]{10,}`, "bearer [REDACTED]"},
	{"api_key", `(?i)(api[_-]?key["':= ]+)[a-z0-9._-]{10,}`, "${1}[REDACTED]"},
	{"private_key_block", `-----BEGIN[ A-Z]*PRIVATE KEY-----[\s\S]+?-----END[ A-Z]*PRIVATE KEY-----`, "[REDACTED PRIVATE KEY]"},
}

func compileBuiltinPatterns() ([]compiledPattern, error) {
	out := make([]compiledPattern, 0, len(builtinPatterns))
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			return nil, fmt.Errorf("audit: compile pattern %q: %w", p.name, err)
		}
		out = append(out, compiledPattern{name: p.name, regex: re, replacement: p.replacement})
	}
	return out, nil
}

// DefaultSanitizer returns a Sanitizer applying the built-in redaction
// patterns. It fails closed: a pattern compilation error at
// construction time causes DefaultSanitizer to return that error
// rather than silently skipping redaction.
func DefaultSanitizer() (Sanitizer, error) {
	patterns, err := compileBuiltinPatterns()
	if err != nil {
		return nil, err
	}
	return func(content string) (string, error) {
		masked := content
		for _, p := range patterns {
			masked = p.regex.ReplaceAllString(masked, p.replacement)
		}
		return masked, nil
	}, nil
}
