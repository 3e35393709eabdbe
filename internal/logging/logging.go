// Package logging provides structured logging setup with colored
// terminal output (via tint) and a runtime-adjustable level.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Level is the global atomic log level, adjustable without a restart.
var Level = new(slog.LevelVar) // default: INFO

// Setup initializes the global slog logger. A TTY on stderr gets tint
// colored output; anything else (Docker, systemd, CI) gets JSON for
// log aggregation. NO_COLOR forces the JSON handler.
func Setup() {
	var handler slog.Handler
	tty := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if tty && os.Getenv("NO_COLOR") == "" {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      Level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level,
		})
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// ParseLevel converts "debug", "info", "warn" or "error" (any case) to
// the corresponding slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.ToUpper(s)))
	return l, err
}
