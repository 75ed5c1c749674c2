// Package log configures the process-wide slog logger for livefeed. Records go
// to the console, a rotating file, or a SQLite database, and the most recent
// lines are kept in memory for the debug server.
package log

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Output modes.
const (
	ModeConsole  = "console"
	ModeFile     = "file"
	ModeDatabase = "database"
)

// ResourceKey is the attribute key used for the watched resource. The
// database handler stores it in its own column.
const ResourceKey = "resource"

// Config holds all logging configuration.
type Config struct {
	Mode   string // console, file, database
	Level  string // debug, info, warn, error
	Format string // text, json (console and file)

	FilePath   string
	MaxSizeMB  int // rotate past this size
	MaxAgeDays int // delete rotated files older than this
	MaxBackups int // keep at most this many rotated files

	DBPath        string
	RetentionDays int

	// BufferLines is the in-memory tail size. Zero disables it.
	BufferLines int
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Mode:          ModeConsole,
		Level:         "info",
		Format:        "text",
		FilePath:      "livefeed.log",
		MaxSizeMB:     100,
		MaxAgeDays:    7,
		MaxBackups:    3,
		DBPath:        "livefeed-log.db",
		RetentionDays: 7,
		BufferLines:   500,
	}
}

// ParseLevel converts a string level to slog.Level. Unknown names mean info.
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

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	logBuffer     *RingBuffer
	closer        Closeable
	dbHandler     *DBHandler
)

// Init replaces the global logger. A handler opened by a previous Init is
// closed.
func Init(cfg *Config) error {
	level := ParseLevel(cfg.Level)

	var (
		handler slog.Handler
		c       Closeable
		db      *DBHandler
	)
	switch cfg.Mode {
	case ModeFile:
		h, err := NewFileHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, c = h, h
	case ModeDatabase:
		h, err := NewDBHandler(cfg, level)
		if err != nil {
			return err
		}
		handler, c, db = h, h, h
	default:
		// stdout belongs to command output.
		handler = NewConsoleHandler(os.Stderr, cfg, level)
	}

	var buf *RingBuffer
	if cfg.BufferLines > 0 {
		buf = NewRingBuffer(cfg.BufferLines)
		handler = NewBufferHandler(handler, buf)
	}

	mu.Lock()
	prev := closer
	defaultLogger = slog.New(handler)
	logBuffer = buf
	closer = c
	dbHandler = db
	slog.SetDefault(defaultLogger)
	mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close releases the file or database behind the global logger and falls back
// to the slog default handler.
func Close() error {
	mu.Lock()
	c := closer
	closer = nil
	dbHandler = nil
	defaultLogger = nil
	mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// Logger returns the current default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// ForResource returns a logger tagged with the resource attribute.
func ForResource(resource string) *slog.Logger {
	return Logger().With(ResourceKey, resource)
}

// Log logs at the given level.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	Logger().Log(ctx, level, msg, args...)
}

// GetBufferedLogs returns the last n lines from the log buffer, or nil when
// the buffer is disabled.
func GetBufferedLogs(n int) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Lines(n)
}

// GetBufferedLogsMatching is GetBufferedLogs restricted to lines containing
// substr.
func GetBufferedLogsMatching(n int, substr string) []string {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return nil
	}
	return logBuffer.Matching(n, substr)
}

// GetBufferStats returns (total, capacity, ok). ok is false if the buffer is
// disabled.
func GetBufferStats() (total int, capacity int, ok bool) {
	mu.RLock()
	defer mu.RUnlock()
	if logBuffer == nil {
		return 0, 0, false
	}
	return logBuffer.Total(), logBuffer.Capacity(), true
}

// QueryStored reads persisted entries when logging to a database. ok is false
// in any other mode.
func QueryStored(ctx context.Context, q Query) (entries []Entry, ok bool, err error) {
	mu.RLock()
	h := dbHandler
	mu.RUnlock()
	if h == nil {
		return nil, false, nil
	}
	entries, err = h.Query(ctx, q)
	return entries, true, err
}
