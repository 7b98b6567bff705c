package logx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level  = new(slog.LevelVar)
	logger atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Options selects the handler used by Setup.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output string // stderr, stdout or a file path
}

// Setup installs a new handler. The returned closer releases a log file, if any.
func Setup(opts Options) (func() error, error) {
	w, closer, err := openOutput(opts.Output)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	level.Set(ParseLevel(opts.Level))
	SetOutput(w, opts.Format)
	return closer, nil
}

// SetOutput swaps the handler writer while keeping the current level.
func SetOutput(w io.Writer, format string) {
	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	logger.Store(slog.New(h))
}

// EnableDebug toggles runtime debug logging.
func EnableDebug(enable bool) {
	if enable {
		level.Set(slog.LevelDebug)
		return
	}
	if level.Level() == slog.LevelDebug {
		level.Set(slog.LevelInfo)
	}
}

// Logger returns the shared structured logger.
func Logger() *slog.Logger {
	return logger.Load()
}

// Debugf prints a formatted message when debug logging is enabled.
func Debugf(format string, args ...interface{}) {
	logf(slog.LevelDebug, format, args...)
}

func Infof(format string, args ...interface{}) {
	logf(slog.LevelInfo, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logf(slog.LevelWarn, format, args...)
}

func Errorf(format string, args ...interface{}) {
	logf(slog.LevelError, format, args...)
}

func logf(lvl slog.Level, format string, args ...interface{}) {
	l := logger.Load()
	ctx := context.Background()
	if !l.Enabled(ctx, lvl) {
		return
	}
	l.Log(ctx, lvl, fmt.Sprintf(format, args...))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
