package observability

import (
	"log/slog"
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

type redactRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor scrubs credential material out of strings before they reach a
// log record. The default rule set covers the key shapes the supported
// providers hand out plus the generic key=value forms that leak through
// error messages.
type Redactor struct {
	rules []redactRule
}

// NewRedactor returns a redactor loaded with the default rules.
func NewRedactor() *Redactor {
	r := &Redactor{}
	// Provider API keys: sk-..., sk-ant-..., and similar prefixed tokens.
	r.AddPattern(`\bsk-[A-Za-z0-9_-]{8,}\b`, redactedPlaceholder)
	// Bearer credentials embedded in header dumps or error strings.
	r.AddPattern(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`, "Bearer "+redactedPlaceholder)
	// key=value and key: value forms for the usual secret names.
	r.AddPattern(`(?i)\b(api[_-]?key|token|secret|password)\b(["']?\s*[:=]\s*["']?)[^\s"',;&]+`, "$1$2"+redactedPlaceholder)
	return r
}

// AddPattern registers an extra rule. Invalid expressions are ignored so a
// bad config line cannot take logging down.
func (r *Redactor) AddPattern(pattern, replacement string) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.rules = append(r.rules, redactRule{pattern: re, replacement: replacement})
}

// Redact applies every rule to s.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// ReplaceAttr is a slog.HandlerOptions hook that scrubs string attribute
// values.
func (r *Redactor) ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(r.Redact(a.Value.String()))
	}
	return a
}
