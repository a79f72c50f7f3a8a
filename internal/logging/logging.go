// Package logging provides structured slog logging with sanitization.
package logging

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// sensitiveKeys are attribute keys whose values are redacted.
var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"credential",
	"passphrase",
	"auth",
}

// Redacted replaces the value of a sanitized attribute.
const Redacted = "[REDACTED]"

// MaskedKey marks an attribute as sensitive regardless of its name.
// Sessions log input sent by steps flagged as masked under this key.
const MaskedKey = "masked_input"

// SanitizingHandler wraps a slog.Handler to redact sensitive attributes.
type SanitizingHandler struct {
	handler  slog.Handler
	sanitize bool
}

// NewSanitizingHandler creates a new sanitizing handler.
func NewSanitizingHandler(handler slog.Handler, sanitize bool) *SanitizingHandler {
	return &SanitizingHandler{
		handler:  handler,
		sanitize: sanitize,
	}
}

// Enabled implements slog.Handler.
func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.sanitize {
		return h.handler.Handle(ctx, r)
	}

	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.sanitize {
		clean := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			clean[i] = sanitizeAttr(a)
		}
		attrs = clean
	}
	return &SanitizingHandler{
		handler:  h.handler.WithAttrs(attrs),
		sanitize: h.sanitize,
	}
}

// WithGroup implements slog.Handler.
func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{
		handler:  h.handler.WithGroup(name),
		sanitize: h.sanitize,
	}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}

	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		clean := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			clean[i] = sanitizeAttr(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(clean...)}
	}

	return a
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	if key == MaskedKey {
		return true
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// Options configures New and Setup.
type Options struct {
	Level    string    // "debug", "info", "warn", "error"
	Format   string    // "json" (default), "text", "pretty" or "auto"
	Sanitize bool      // redact sensitive attributes
	Writer   io.Writer // defaults to os.Stderr
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger from opts without touching the global default.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var base slog.Handler
	switch ResolveFormat(opts.Format, w) {
	case "text":
		base = slog.NewTextHandler(w, hopts)
	case "pretty":
		base = charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(hopts.Level.Level()),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
		})
	default:
		base = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(NewSanitizingHandler(base, opts.Sanitize))
}

// ResolveFormat normalizes a format name. "auto" picks "pretty" when w is a
// terminal and "json" otherwise; unknown names fall back to "json".
func ResolveFormat(format string, w io.Writer) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "text", "pretty":
		return f
	case "auto":
		if IsTerminal(w) {
			return "pretty"
		}
		return "json"
	default:
		return "json"
	}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Setup initializes the global logger and returns it.
func Setup(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// Truncate shortens s to at most maxLen bytes for log output.
func Truncate(s string, maxLen int) string {
	if maxLen < 0 {
		maxLen = 0
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// HexDump renders at most maxLen bytes of b as hex, for logging raw chunks
// that carry control characters.
func HexDump(b []byte, maxLen int) string {
	if len(b) == 0 {
		return ""
	}
	suffix := ""
	if maxLen >= 0 && len(b) > maxLen {
		b = b[:maxLen]
		suffix = "..."
	}
	return hex.EncodeToString(b) + suffix
}
