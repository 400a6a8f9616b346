// Package logging provides category-tagged logging on top of log/slog.
// All logging must go through this package so every line carries a category.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Category constants for consistent logging categories.
const (
	CategoryApp     = "App"
	CategoryService = "Service"
	CategorySession = "Session"
	CategoryCapture = "Capture"
	CategoryVoice   = "Voice"
	CategoryLiveKit = "LiveKit"
	CategoryDiscord = "Discord"
	CategoryCodec   = "Codec"
	CategoryMixdown = "Mixdown"
	CategoryEvents  = "Events"
	CategoryHTTP    = "HTTP"
)

// Levels in addition to the slog defaults.
const (
	LevelSuccess = slog.LevelInfo + 1
	LevelFail    = slog.LevelError
)

// Options configures the process logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output string // stdout, stderr or a file path
}

var (
	mu     sync.RWMutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	closer io.Closer
)

// Init initializes logging with the given options.
func Init(opts Options) {
	var out io.Writer = os.Stdout
	var c io.Closer
	switch opts.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v, falling back to stdout\n", opts.Output, err)
		} else {
			out = f
			c = f
		}
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       ParseLevel(opts.Level),
		ReplaceAttr: renameLevels,
	}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	mu.Lock()
	logger = slog.New(handler)
	closer = c
	mu.Unlock()
}

// SetOutput replaces the logger with a text handler writing to w. Used by tests.
func SetOutput(w io.Writer, level string) {
	mu.Lock()
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level), ReplaceAttr: renameLevels}))
	closer = nil
	mu.Unlock()
}

// Shutdown gracefully shuts down logging.
func Shutdown(_ context.Context) {
	mu.Lock()
	defer mu.Unlock()
	if closer != nil {
		_ = closer.Close()
		closer = nil
	}
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func renameLevels(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	if level == LevelSuccess {
		a.Value = slog.StringValue("SUCCESS")
	}
	return a
}

func log(level slog.Level, category, msg string, params ...interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()

	ctx := context.Background()
	if !l.Enabled(ctx, level) {
		return
	}
	if len(params) > 0 {
		msg = fmt.Sprintf(msg, params...)
	}
	l.Log(ctx, level, msg, slog.String("category", category))
}

// Debug logs a debug message.
func Debug(category, msg string, params ...interface{}) {
	log(slog.LevelDebug, category, msg, params...)
}

// Info logs an info message.
func Info(category, msg string, params ...interface{}) {
	log(slog.LevelInfo, category, msg, params...)
}

// Success logs a success message.
func Success(category, msg string, params ...interface{}) {
	log(LevelSuccess, category, msg, params...)
}

// Warning logs a warning message.
func Warning(category, msg string, params ...interface{}) {
	log(slog.LevelWarn, category, msg, params...)
}

// Fail logs a failure message.
func Fail(category, msg string, params ...interface{}) {
	log(LevelFail, category, msg, params...)
}

// Error logs an error message.
func Error(category, msg string, params ...interface{}) {
	log(slog.LevelError, category, msg, params...)
}
