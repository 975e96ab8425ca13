// Package log configures the process-wide slog logger. Records go to stderr
// so stdout stays free for compile output and JSON reports.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format names accepted by log.format.
const (
	FormatJSON = "json"
	FormatText = "text"
)

const redacted = "[redacted]"

// Attribute keys whose values never reach the log.
var sensitiveKeys = map[string]struct{}{
	"api_key":       {},
	"authorization": {},
	"secret":        {},
	"signature":     {},
	"token":         {},
}

var (
	once   sync.Once
	level  = new(slog.LevelVar)
	logger *slog.Logger
)

// Setup installs a JSON logger at the given level.
func Setup(lvl string) {
	SetupWithFormat(lvl, FormatJSON)
}

// SetupWithFormat installs the logger on first use. Later calls only adjust
// the level, so a command can raise verbosity after config is loaded.
func SetupWithFormat(lvl, format string) {
	level.Set(ParseLevel(lvl))
	once.Do(func() {
		logger = newLogger(os.Stderr, level, format)
		slog.SetDefault(logger)
	})
}

func newLogger(w io.Writer, leveler slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       leveler,
		ReplaceAttr: redact,
	}
	if strings.EqualFold(strings.TrimSpace(format), FormatText) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean INFO.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(lvl)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the installed logger, installing an INFO one if needed.
func Get() *slog.Logger {
	once.Do(func() {
		logger = newLogger(os.Stderr, level, FormatJSON)
		slog.SetDefault(logger)
	})
	return logger
}

func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

func WithRun(id string) *slog.Logger {
	return Get().With(slog.String("run_id", id))
}

// WithStage scopes a run logger to one pipeline stage.
func WithStage(runID, stage string) *slog.Logger {
	return WithRun(runID).With(slog.String("stage", stage))
}
