// Package masking redacts credentials and internal identifiers from text
// that leaves the core — alert payloads, PR descriptions, and user-visible
// error messages.
package masking

import (
	"regexp"
)

// pattern pairs a compiled detector with its replacement.
type pattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// builtinPatterns cover the credential shapes the core can encounter through
// its adapters. Order matters: more specific patterns run first.
var builtinPatterns = []pattern{
	{
		name:        "github_token",
		regex:       regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
		replacement: "***MASKED_TOKEN***",
	},
	{
		name:        "slack_token",
		regex:       regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		replacement: "***MASKED_TOKEN***",
	},
	{
		name:        "bearer_header",
		regex:       regexp.MustCompile(`(?i)\b(authorization:\s*bearer\s+)\S+`),
		replacement: "${1}***MASKED***",
	},
	{
		name:        "key_value_secret",
		regex:       regexp.MustCompile(`(?i)\b((?:password|passwd|secret|api[_-]?key|token)["']?\s*[:=]\s*["']?)[^\s"']{8,}`),
		replacement: "${1}***MASKED***",
	},
	{
		name:        "url_credentials",
		regex:       regexp.MustCompile(`\b([a-z][a-z0-9+.-]*://)[^/@\s]+@`),
		replacement: "${1}***MASKED***@",
	},
	{
		name:        "private_key_block",
		regex:       regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
		replacement: "***MASKED_PRIVATE_KEY***",
	},
}

// Masker applies the redaction patterns.
type Masker struct {
	patterns []pattern
}

// NewMasker creates a masker with the built-in patterns.
func NewMasker() *Masker {
	return &Masker{patterns: builtinPatterns}
}

// Mask redacts every match in s.
func (m *Masker) Mask(s string) string {
	for _, p := range m.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

// MaskMap redacts every string value of a payload map in place-safe copy.
func (m *Masker) MaskMap(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s, ok := v.(string); ok {
			out[k] = m.Mask(s)
			continue
		}
		out[k] = v
	}
	return out
}
