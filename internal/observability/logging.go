package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". JSON for production, text for
	// development.
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool
}

// redactPatterns match common secret shapes in attribute values. The
// secret portion is replaced, the key prefix survives for debugging.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)([\s:=]+)["']?[a-zA-Z0-9_\-]{16,}["']?`),
	regexp.MustCompile(`(?i)(bearer|token)([\s:=]+)[a-zA-Z0-9_\-.]{16,}`),
	regexp.MustCompile(`(?i)(secret|password|passwd|pwd)([\s:=]+)["']?[^\s"']{8,}["']?`),
}

// Redact replaces secret-shaped substrings in s.
func Redact(s string) string {
	for _, pattern := range redactPatterns {
		s = pattern.ReplaceAllString(s, "${1}${2}[REDACTED]")
	}
	return s
}

// NewLogger builds a slog.Logger per cfg with secret redaction on
// string attribute values.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// Component derives a named component logger.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
