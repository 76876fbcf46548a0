package log

import (
	"context"
	"log/slog"
	"regexp"
)

// Patterns that identify sensitive material inside log output. Each pattern
// either matches the secret directly or captures it in group 1 when the
// surrounding keying context is needed to identify it.
var redactPatterns = []*regexp.Regexp{
	// bearer tokens
	regexp.MustCompile(`(?i)bearer\s+([A-Za-z0-9\-._~+/]{8,}=*)`),
	// API keys with common prefixes
	regexp.MustCompile(`\b((?:psk|sk|pk|api|key|tok)_[A-Za-z0-9]{8,})\b`),
	// email addresses
	regexp.MustCompile(`\b([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})\b`),
	// long numeric IDs in known keying contexts (siteId=12345678901...)
	regexp.MustCompile(`(?i)(?:site|user|customer|account|device)_?id["'=:\s]+(\d{8,})`),
	// VIN/DIN/serial literals
	regexp.MustCompile(`\b((?:VIN|DIN|SN)[0-9A-HJ-NPR-Z\-]{8,})\b`),
	// gateway/device UUIDs
	regexp.MustCompile(`\b([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})\b`),
}

// mask keeps the first 4 and last 4 characters of a secret.
func mask(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "********" + s[len(s)-4:]
}

// Redact replaces sensitive substrings in s. The second return is true when
// anything was replaced.
func Redact(s string) (string, bool) {
	changed := false
	for _, re := range redactPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			idx := re.FindStringSubmatchIndex(m)
			// group 1 holds the secret; fall back to the whole match
			start, end := 0, len(m)
			if len(idx) >= 4 && idx[2] >= 0 {
				start, end = idx[2], idx[3]
			}
			changed = true
			return m[:start] + mask(m[start:end]) + m[end:]
		})
	}
	return s, changed
}

// RedactingHandler wraps a slog.Handler and redacts sensitive data from the
// message and every string attribute before emission. Attributes are only
// rewritten when a pattern matched, so non-string values (and their format
// behavior) pass through untouched.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	msg, msgChanged := Redact(r.Message)

	var attrs []slog.Attr
	attrsChanged := false
	r.Attrs(func(a slog.Attr) bool {
		na, changed := redactAttr(a)
		if changed {
			attrsChanged = true
		}
		attrs = append(attrs, na)
		return true
	})

	if !msgChanged && !attrsChanged {
		return h.inner.Handle(ctx, r)
	}

	nr := slog.NewRecord(r.Time, r.Level, msg, r.PC)
	nr.AddAttrs(attrs...)
	return h.inner.Handle(ctx, nr)
}

func redactAttr(a slog.Attr) (slog.Attr, bool) {
	switch a.Value.Kind() {
	case slog.KindString:
		if s, changed := Redact(a.Value.String()); changed {
			return slog.String(a.Key, s), true
		}
	case slog.KindGroup:
		group := a.Value.Group()
		changed := false
		out := make([]any, 0, len(group))
		for _, ga := range group {
			na, c := redactAttr(ga)
			if c {
				changed = true
			}
			out = append(out, na)
		}
		if changed {
			return slog.Group(a.Key, out...), true
		}
	}
	return a, false
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		na, _ := redactAttr(a)
		out = append(out, na)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}
