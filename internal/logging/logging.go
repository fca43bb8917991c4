// Package logging builds the process logger: colorized tint output on a
// terminal, JSON everywhere else.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"modelref/config"
)

// Format values accepted in LogConfig.Format.
const (
	FormatAuto   = "auto"
	FormatPretty = "pretty"
	FormatJSON   = "json"
	FormatText   = "text"
)

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// New builds a logger writing to out. "auto" picks pretty output when out is
// a terminal.
func New(cfg config.LogConfig, out io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	format := strings.ToLower(cfg.Format)
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if isTerminal(out) {
			format = FormatPretty
		}
	}

	var h slog.Handler
	switch format {
	case FormatPretty:
		h = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isTerminal(out),
		})
	case FormatText:
		h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case FormatJSON:
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(h), nil
}

// Setup builds the stderr logger and installs it as the slog default.
func Setup(cfg config.LogConfig) (*slog.Logger, error) {
	logger, err := New(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
