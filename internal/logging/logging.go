// Package logging sets up the structured logger shared by every cibot command.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment variables that tune file rotation
const (
	EnvLogMaxSize    = "CIBOT_LOG_MAX_SIZE"
	EnvLogMaxBackups = "CIBOT_LOG_MAX_BACKUPS"
	EnvLogMaxAge     = "CIBOT_LOG_MAX_AGE"
)

// Options configures New
type Options struct {
	// File enables rotating file output when set
	File string
	// Level is debug, info, warn or error. Empty means info.
	Level string
	// Debug forces debug level, as does a non-empty DEBUG variable
	Debug bool
	// Console receives console output, os.Stderr when nil
	Console io.Writer
}

// Logger is a slog.Logger that owns its file writer
type Logger struct {
	*slog.Logger
	logWriter io.WriteCloser
}

// New builds a logger writing to the console and, optionally, a rotating file.
// Console output is text on a terminal and JSON otherwise.
func New(opts Options) (*Logger, error) {
	level := ParseLevel(opts.Level)
	if opts.Debug || os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if isTerminal(console) {
		handlers = append(handlers, slog.NewTextHandler(console, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(console, handlerOpts))
	}

	l := &Logger{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := newRotatingWriter(opts.File)
		l.logWriter = rotating

		// the file always gets everything
		handlers = append(handlers, slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	l.Logger = slog.New(&multiHandler{handlers: handlers})
	return l, nil
}

// Close flushes and closes the log file, if any
func (l *Logger) Close() error {
	if l.logWriter == nil {
		return nil
	}
	return l.logWriter.Close()
}

// ParseLevel maps a level name to a slog level, info by default
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newRotatingWriter creates a lumberjack logger, with limits overridable from the environment
func newRotatingWriter(path string) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
	}
	if v, err := strconv.Atoi(os.Getenv(EnvLogMaxSize)); err == nil && v > 0 {
		w.MaxSize = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvLogMaxBackups)); err == nil && v >= 0 {
		w.MaxBackups = v
	}
	if v, err := strconv.Atoi(os.Getenv(EnvLogMaxAge)); err == nil && v > 0 {
		w.MaxAge = v
	}
	return w
}

// multiHandler fans out log records to multiple handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}
