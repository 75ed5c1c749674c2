// internal/log/file.go
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Closeable is implemented by handlers holding a file or database.
type Closeable interface {
	Close() error
}

// rotatingFile is the file shared by a FileHandler and every handler derived
// from it.
type rotatingFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxAge     int
	maxBackups int
	size       int64
}

// Write appends p, rotating first when the file is full.
func (f *rotatingFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return 0, os.ErrClosed
	}
	if f.size > 0 && f.size+int64(len(p)) > f.maxSize {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

// rotate renames the current file with a timestamp suffix and reopens path.
func (f *rotatingFile) rotate() error {
	f.file.Close()

	stamp := f.path + "." + time.Now().Format("2006-01-02T15-04-05.000")
	backup := stamp
	for i := 1; ; i++ {
		if _, err := os.Stat(backup); os.IsNotExist(err) {
			break
		}
		backup = fmt.Sprintf("%s-%d", stamp, i)
	}
	if err := os.Rename(f.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	f.pruneBackups()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		f.file = nil
		return fmt.Errorf("create new log file: %w", err)
	}
	f.file = file
	f.size = 0
	return nil
}

// pruneBackups keeps the newest maxBackups rotated files younger than maxAge.
func (f *rotatingFile) pruneBackups() {
	matches, err := filepath.Glob(f.path + ".*")
	if err != nil {
		return
	}

	type backup struct {
		path string
		mod  time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			backups = append(backups, backup{m, info.ModTime()})
		}
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })

	cutoff := time.Now().AddDate(0, 0, -f.maxAge)
	for i, b := range backups {
		if i >= f.maxBackups || (f.maxAge > 0 && b.mod.Before(cutoff)) {
			os.Remove(b.path)
		}
	}
}

func (f *rotatingFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// FileHandler writes formatted records to a size-rotated file.
type FileHandler struct {
	out   *rotatingFile
	inner slog.Handler
}

// NewFileHandler opens cfg.FilePath for appending, creating its directory.
func NewFileHandler(cfg *Config, level slog.Level) (*FileHandler, error) {
	if dir := filepath.Dir(cfg.FilePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxSize < 1024 {
		maxSize = 1024
	}

	out := &rotatingFile{
		file:       file,
		path:       cfg.FilePath,
		maxSize:    maxSize,
		maxAge:     cfg.MaxAgeDays,
		maxBackups: cfg.MaxBackups,
		size:       info.Size(),
	}
	return &FileHandler{out: out, inner: NewConsoleHandler(out, cfg, level)}, nil
}

func (h *FileHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *FileHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *FileHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &FileHandler{out: h.out, inner: h.inner.WithAttrs(attrs)}
}

func (h *FileHandler) WithGroup(name string) slog.Handler {
	return &FileHandler{out: h.out, inner: h.inner.WithGroup(name)}
}

// Close closes the file. Derived handlers stop writing too.
func (h *FileHandler) Close() error {
	return h.out.Close()
}
