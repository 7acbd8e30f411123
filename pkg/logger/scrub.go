package logger

import (
	"context"
	"log/slog"
	"strings"
)

const redacted = "[redacted]"

// secretKeys never reach log output verbatim.
var secretKeys = map[string]struct{}{
	"authorization": {},
	"signature":     {},
	"app_secret":    {},
	"access_token":  {},
	"verify_token":  {},
	"cron_secret":   {},
}

// phoneKeys carry end-user phone numbers and are masked down to the last four digits.
var phoneKeys = map[string]struct{}{
	"sender":    {},
	"recipient": {},
	"from":      {},
	"to":        {},
}

// scrubHandler rewrites sensitive attributes before the wrapped handler
// formats them.
type scrubHandler struct {
	next slog.Handler
}

func (h scrubHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h scrubHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(scrub(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h scrubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return scrubHandler{next: h.next.WithAttrs(scrubAll(attrs))}
}

func (h scrubHandler) WithGroup(name string) slog.Handler {
	return scrubHandler{next: h.next.WithGroup(name)}
}

func scrubAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		out[i] = scrub(attr)
	}
	return out
}

func scrub(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	key := strings.ToLower(attr.Key)

	if _, ok := secretKeys[key]; ok {
		return slog.String(attr.Key, redacted)
	}
	if _, ok := phoneKeys[key]; ok && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskPhone(attr.Value.String()))
	}
	if attr.Value.Kind() == slog.KindGroup {
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(scrubAll(attr.Value.Group())...)}
	}
	return attr
}

// MaskPhone keeps the last four characters of an identity string.
func MaskPhone(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 4 {
		return value
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
