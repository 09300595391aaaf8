// Package logger configures the process-wide slog logger.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var defaultLogger *slog.Logger

// ParseLevel converts a string log level to slog.Level.
// Valid levels: debug, info, warn, error. Unknown strings fall back to warn.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Init initializes the default logger with the given level and format.
// format: "simple" (level + message + attrs) or "verbose" (standard
// slog text output with timestamps).
func Init(level slog.Level, output *os.File, format string) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String("level", "WARN")
			}
			return a
		},
	}

	var handler slog.Handler = slog.NewTextHandler(output, opts)
	if format == "simple" || format == "" {
		handler = &simpleTextHandler{handler: handler, writer: output}
	}

	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// GetLogger returns the default logger, initializing it lazily.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}

// OpenLogFile opens or creates a log file at the specified path,
// rotating the previous day's file aside and pruning rotated files
// older than maxDays. maxDays <= 0 keeps everything. Returns the file
// handle and a cleanup function.
func OpenLogFile(path string, maxDays int) (*os.File, func(), error) {
	rotateLogFile(path)
	pruneLogFiles(path, maxDays)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// rotateLogFile moves an existing log file last written on an earlier
// day to path.YYYY-MM-DD, keyed by its mtime. Best effort: a rotation
// failure just means appending to the old file.
func rotateLogFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	day := info.ModTime().Format("2006-01-02")
	if day == time.Now().Format("2006-01-02") {
		return
	}
	os.Rename(path, path+"."+day)
}

// pruneLogFiles removes rotated siblings (path.YYYY-MM-DD) whose date
// is more than maxDays in the past.
func pruneLogFiles(path string, maxDays int) {
	if maxDays <= 0 {
		return
	}
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -maxDays)
	prefix := filepath.Base(path) + "."
	for _, m := range matches {
		day, err := time.Parse("2006-01-02", strings.TrimPrefix(filepath.Base(m), prefix))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(m)
		}
	}
}

// MaskKey renders a secret safe for logs: first 4 and last 4 characters
// with the middle elided. Short values are fully masked.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// simpleTextHandler formats records as "LEVEL message k=v ...".
type simpleTextHandler struct {
	handler slog.Handler
	writer  io.Writer
}

func (h *simpleTextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *simpleTextHandler) Handle(ctx context.Context, record slog.Record) error {
	var buf strings.Builder

	levelStr := record.Level.String()
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	buf.WriteString(strings.ToUpper(levelStr))
	buf.WriteString(" ")
	buf.WriteString(record.Message)

	record.Attrs(func(a slog.Attr) bool {
		buf.WriteString(" ")
		buf.WriteString(a.Key)
		buf.WriteString("=")
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	_, err := h.writer.Write([]byte(buf.String()))
	return err
}

func (h *simpleTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &simpleTextHandler{handler: h.handler.WithAttrs(attrs), writer: h.writer}
}

func (h *simpleTextHandler) WithGroup(name string) slog.Handler {
	return &simpleTextHandler{handler: h.handler.WithGroup(name), writer: h.writer}
}
