// internal/log/database_test.go
package log

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestDBHandler(t *testing.T, retention int) (*DBHandler, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test-log.db")
	h, err := NewDBHandler(&Config{DBPath: dbPath, RetentionDays: retention}, slog.LevelInfo)
	if err != nil {
		t.Fatalf("NewDBHandler: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h, dbPath
}

func TestDBHandler_Write(t *testing.T) {
	h, dbPath := newTestDBHandler(t, 7)

	logger := slog.New(h).With(ResourceKey, "tasks:assignee_id=eq.42")
	ctx := context.WithValue(context.Background(), RequestIDKey, "abc123")
	logger.InfoContext(ctx, "listener panicked", "listener", 3, "err", errors.New("boom"))
	logger.Debug("filtered out")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM logs").Scan(&count); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 log entry, got %d", count)
	}

	var msg, level, resource, reqID, attrs string
	err = db.QueryRow("SELECT message, level, resource, request_id, attrs FROM logs").
		Scan(&msg, &level, &resource, &reqID, &attrs)
	if err != nil {
		t.Fatalf("Query row: %v", err)
	}
	if msg != "listener panicked" || level != "INFO" {
		t.Errorf("got message %q level %q", msg, level)
	}
	if resource != "tasks:assignee_id=eq.42" {
		t.Errorf("expected resource column, got %q", resource)
	}
	if reqID != "abc123" {
		t.Errorf("expected request_id 'abc123', got %q", reqID)
	}
	if attrs != `{"err":"boom","listener":3}` {
		t.Errorf("unexpected attrs %s", attrs)
	}
}

func TestDBHandler_Query(t *testing.T) {
	h, _ := newTestDBHandler(t, 7)
	logger := slog.New(h)

	logger.Info("opened", ResourceKey, "tasks")
	logger.Warn("reconnecting", ResourceKey, "tasks", "attempt", 1)
	logger.Info("opened", ResourceKey, "notes")
	logger.WithGroup("backend").Error("socket dropped", "code", 1006)

	entries, err := h.Query(context.Background(), Query{Resource: "tasks"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "reconnecting" || entries[1].Message != "opened" {
		t.Fatalf("expected newest first for tasks, got %+v", entries)
	}
	if entries[0].Attrs["attempt"] != float64(1) {
		t.Errorf("expected attempt attr, got %v", entries[0].Attrs)
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}

	entries, err = h.Query(context.Background(), Query{MinLevel: slog.LevelWarn, Limit: 10})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 warn+ entries, got %d", len(entries))
	}
	if entries[0].Attrs["backend.code"] != float64(1006) {
		t.Errorf("expected grouped key, got %v", entries[0].Attrs)
	}

	entries, _ = h.Query(context.Background(), Query{Limit: 1})
	if len(entries) != 1 {
		t.Errorf("limit not applied: %d", len(entries))
	}
}

func TestDBHandler_Retention(t *testing.T) {
	h, dbPath := newTestDBHandler(t, 0)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Open db: %v", err)
	}
	defer db.Close()

	old := time.Now().UTC().AddDate(0, 0, -1).Format(time.RFC3339Nano)
	if _, err := db.Exec("INSERT INTO logs (timestamp, level, message) VALUES (?, 'INFO', 'old message')", old); err != nil {
		t.Fatalf("insert: %v", err)
	}

	h.store.runCleanup()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM logs").Scan(&count)
	if count != 0 {
		t.Errorf("expected 0 logs after cleanup, got %d", count)
	}
}

func TestDBHandler_CloseTwice(t *testing.T) {
	h, _ := newTestDBHandler(t, 7)
	derived := h.WithAttrs([]slog.Attr{slog.String("k", "v")}).(*DBHandler)
	if err := derived.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
