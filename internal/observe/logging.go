package observe

import (
	"context"
	"log/slog"
	"os"
)

// RedactSentinel replaces the value of every attribute whose key is on the
// redact list. Log consumers can rely on this exact string when auditing.
const RedactSentinel = "[REDACTED]"

// defaultRedactKeys lists attribute keys whose values must never reach a log
// sink. The list covers user content (PHI) and credentials.
var defaultRedactKeys = map[string]struct{}{
	"transcript":        {},
	"text":              {},
	"audio":             {},
	"narrative":         {},
	"email":             {},
	"phone":             {},
	"name":              {},
	"patient":           {},
	"token":             {},
	"firebase_id_token": {},
	"data":              {},
}

// RedactHandler is a [slog.Handler] that scrubs sensitive attribute values
// before delegating to an inner handler. Group attributes are scrubbed
// recursively; the keys themselves are preserved so operators can see that a
// field was present without seeing its content.
type RedactHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

var _ slog.Handler = (*RedactHandler)(nil)

// NewRedactHandler wraps inner with redaction of the default key list plus
// any extra keys.
func NewRedactHandler(inner slog.Handler, extraKeys ...string) *RedactHandler {
	keys := make(map[string]struct{}, len(defaultRedactKeys)+len(extraKeys))
	for k := range defaultRedactKeys {
		keys[k] = struct{}{}
	}
	for _, k := range extraKeys {
		keys[k] = struct{}{}
	}
	return &RedactHandler{inner: inner, keys: keys}
}

// Enabled implements [slog.Handler].
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements [slog.Handler]. It rewrites the record with scrubbed
// attributes and forwards it to the inner handler.
func (h *RedactHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redact(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements [slog.Handler].
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.redact(a)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(scrubbed), keys: h.keys}
}

// WithGroup implements [slog.Handler].
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

// redact returns a copy of a with its value replaced by [RedactSentinel] when
// the key is on the redact list. Group values are scrubbed member by member.
func (h *RedactHandler) redact(a slog.Attr) slog.Attr {
	if _, hit := h.keys[a.Key]; hit {
		return slog.String(a.Key, RedactSentinel)
	}
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		scrubbed := make([]slog.Attr, len(members))
		for i, m := range members {
			scrubbed[i] = h.redact(m)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	}
	return a
}

// LoggerConfig selects the output mode and verbosity of the process logger.
type LoggerConfig struct {
	// Level is the minimum level emitted. Debug is only honoured outside
	// production.
	Level slog.Level

	// Production selects line-delimited JSON output; when false a
	// human-readable text handler is used instead.
	Production bool

	// ExtraRedactKeys appends keys to the default redact list.
	ExtraRedactKeys []string
}

// NewLogger builds the process-wide redacting logger. Call once from main and
// install the result with [slog.SetDefault].
func NewLogger(cfg LoggerConfig) *slog.Logger {
	level := cfg.Level
	if cfg.Production && level < slog.LevelInfo {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if cfg.Production {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(NewRedactHandler(inner, cfg.ExtraRedactKeys...))
}

// SessionLogger returns the default logger tagged with session identity.
// userID may be empty before the identity handshake completes.
func SessionLogger(sessionID, userID string) *slog.Logger {
	l := slog.Default().With("component", "session", "session_id", sessionID)
	if userID != "" {
		l = l.With("user_id", userID)
	}
	return l
}

// UpstreamLogger returns the default logger tagged for the upstream channel.
func UpstreamLogger() *slog.Logger {
	return slog.Default().With("component", "upstream")
}

// GatewayLogger returns the default logger tagged for gateway-level events.
func GatewayLogger() *slog.Logger {
	return slog.Default().With("component", "gateway")
}
