package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"callpilot/internal/infra/config"
)

// New builds the process logger: a level name, text or json encoding, and a
// destination (stderr, stdout, or a file path). The returned closer releases
// the file handle when logging to a path; call it after the last log line.
// Per-call correlation happens at the call sites, which attach
// call_control_id via Logger.With.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	w, closer, err := output(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("log output %q: %w", cfg.Output, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		_ = closer()
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler), closer, nil
}

func parseLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

func output(target string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch target {
	case "", "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
