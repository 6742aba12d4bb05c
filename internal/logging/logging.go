// Package logging builds the process-wide slog logger. Records go to stdout
// and, when a file is configured, to a size-rotated log file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger.
type Options struct {
	Level      string
	Format     string // "json" or "text"
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// sensitiveKeys are attribute keys whose values never reach a sink.
var sensitiveKeys = map[string]bool{
	"api_key":    true,
	"password":   true,
	"secret":     true,
	"secret_key": true,
	"token":      true,
	"dsn":        true,
}

// ParseLevel maps a config level name to a slog.Level. Unknown names fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger from opts. The returned closer releases the log file
// and must be called on shutdown; it is a no-op when no file is configured.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("logging: create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
			LocalTime:  true,
		}
		w = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	return slog.New(newHandler(w, opts)), closer, nil
}

func newHandler(w io.Writer, opts Options) slog.Handler {
	ho := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: maskSensitive,
	}
	if strings.EqualFold(opts.Format, "text") {
		return slog.NewTextHandler(w, ho)
	}
	return slog.NewJSONHandler(w, ho)
}

// maskSensitive keeps the first four characters of secret-looking values.
func maskSensitive(_ []string, a slog.Attr) slog.Attr {
	if !sensitiveKeys[strings.ToLower(a.Key)] || a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if len(v) <= 4 {
		return slog.String(a.Key, "****")
	}
	return slog.String(a.Key, v[:4]+"****")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
