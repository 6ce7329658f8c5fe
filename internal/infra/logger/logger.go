// Package logger builds the process-wide slog.Logger from config.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"swarmd/internal/infra/config"
)

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// New builds a logger from the config block. The returned closer flushes
// and closes a file sink; for stdout/stderr it is a no-op.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closer, err := sink(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// Component tags a child logger with the subsystem it belongs to.
func Component(base *slog.Logger, name string) *slog.Logger {
	return base.With("component", name)
}

func level(s string) slog.Level {
	if lvl, ok := levels[strings.ToLower(s)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

func sink(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
