package wsserver

import (
	"io"
	"os"
	"strings"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"golang.org/x/xerrors"
)

// ParseLevel maps a config log level to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return slog.LevelCritical, nil
	}
	return slog.LevelInfo, xerrors.Errorf("unknown log level %q", s)
}

// NewLogger builds the logger described by cfg. The returned closer
// releases the log file, if any.
func NewLogger(cfg Config) (slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return slog.Logger{}, nil, err
	}

	var w io.Writer = os.Stderr
	var c io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return slog.Logger{}, nil, xerrors.Errorf("failed to open log file: %w", err)
		}
		w, c = f, f
	}

	log := slog.Make(sloghuman.Sink(w)).Leveled(lvl).Named(cfg.Name)
	return log, c, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
