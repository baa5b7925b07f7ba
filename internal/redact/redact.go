// Package redact strips credential material from artifact text before it
// is written to disk.
package redact

import (
	"os"
	"regexp"
	"strings"
)

var (
	anthropicKeyPattern = regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)
	openaiKeyPattern    = regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)
)

// Redactor replaces known key shapes and the live values of configured
// sensitive environment variables. Redaction is idempotent: the
// replacement tokens never match the patterns again.
type Redactor struct {
	sensitiveEnvVars []string
}

// New returns a Redactor for the given sensitive variable names.
func New(sensitiveEnvVars []string) *Redactor {
	return &Redactor{sensitiveEnvVars: sensitiveEnvVars}
}

// Redact returns text with credentials replaced by placeholder tokens.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}

	// Anthropic keys first: the generic sk- pattern stops at the dash in
	// "sk-ant-" and would otherwise leave a partial key behind.
	out := anthropicKeyPattern.ReplaceAllString(text, "[REDACTED:anthropic_key]")
	out = openaiKeyPattern.ReplaceAllString(out, "[REDACTED:openai_key]")

	for _, name := range r.sensitiveEnvVars {
		value := os.Getenv(name)
		if value == "" {
			continue
		}
		out = strings.ReplaceAll(out, value, "[REDACTED:env:"+name+"]")
	}
	return out
}
