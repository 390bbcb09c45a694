package logging

import (
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and is used for per-message chatter.
const LevelTrace = slog.Level(-8)

// New builds a logger writing to w. format is "json" or "text"; anything else
// is treated as json. Errors and above carry their source location.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelError,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ForService returns l with the service name and version attached.
func ForService(l *slog.Logger, name, version string) *slog.Logger {
	return l.With(slog.String("service", name), slog.String("version", version))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "trace", "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultFormat picks json in production and text everywhere else.
func DefaultFormat(env string) string {
	if strings.EqualFold(env, "production") || strings.EqualFold(env, "prod") {
		return "json"
	}
	return "text"
}
