// Package redact scrubs personally identifiable information from audit event
// details before they reach durable storage.
package redact

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// maxValueLen bounds any single detail string; longer values are truncated
// so one oversized payload cannot bloat the audit log.
const maxValueLen = 1000

const (
	placeholderEmail = "[REDACTED_EMAIL]"
	placeholderCard  = "[REDACTED_CARD]"
	placeholderSSN   = "[REDACTED_SSN]"
	placeholderPhone = "[REDACTED_PHONE]"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// 13 to 16 digits, optionally separated by spaces or dashes.
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){12,15}\d\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phonePattern = regexp.MustCompile(`\+?\d{1,3}[ \-]?\(?\d{3}\)?[ \-]?\d{3}[ \-]?\d{4}\b`)
)

// String scrubs PII patterns from s and truncates oversized values.
// Card numbers are matched before phone numbers so a 16-digit run is never
// half-consumed by the shorter pattern.
func String(s string) string {
	s = emailPattern.ReplaceAllString(s, placeholderEmail)
	s = ssnPattern.ReplaceAllString(s, placeholderSSN)
	s = cardPattern.ReplaceAllString(s, placeholderCard)
	s = phonePattern.ReplaceAllString(s, placeholderPhone)
	if len(s) > maxValueLen {
		// Back off to a rune boundary so the cut never leaves invalid UTF-8.
		cut := maxValueLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "...[truncated]"
	}
	return s
}

// Details returns a scrubbed copy of a detail map. Nested maps and slices
// are walked; non-string leaves pass through unchanged.
func Details(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = value(v)
	}
	return out
}

func value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		return Details(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = value(e)
		}
		return out
	case fmt.Stringer:
		return String(t.String())
	default:
		return v
	}
}
