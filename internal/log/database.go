// internal/log/database.go
package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const createLogsTableSQL = `
CREATE TABLE IF NOT EXISTS logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    level TEXT NOT NULL,
    message TEXT NOT NULL,
    resource TEXT,
    request_id TEXT,
    attrs TEXT
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_resource ON logs(resource);
`

// Entry is one stored log record.
type Entry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Resource  string         `json:"resource,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Query selects stored entries, newest first.
type Query struct {
	Resource string
	MinLevel slog.Level
	Limit    int
}

type dbStore struct {
	mu        sync.Mutex
	db        *sql.DB
	stmt      *sql.Stmt
	retention int
	done      chan struct{}
	closeOnce sync.Once
}

// DBHandler writes records to a SQLite database. Handlers derived through
// WithAttrs and WithGroup share the database.
type DBHandler struct {
	store  *dbStore
	level  slog.Level
	attrs  []slog.Attr
	prefix string
}

// NewDBHandler opens cfg.DBPath and starts hourly retention cleanup.
func NewDBHandler(cfg *Config, level slog.Level) (*DBHandler, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createLogsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create logs table: %w", err)
	}

	stmt, err := db.Prepare(`INSERT INTO logs (timestamp, level, message, resource, request_id, attrs)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	s := &dbStore{
		db:        db,
		stmt:      stmt,
		retention: cfg.RetentionDays,
		done:      make(chan struct{}),
	}
	go s.cleanupLoop(time.Hour)

	return &DBHandler{store: s, level: level}, nil
}

func (h *DBHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle stores the record. The resource and request_id attributes get their
// own columns; everything else is kept as JSON.
func (h *DBHandler) Handle(ctx context.Context, r slog.Record) error {
	var resource, requestID sql.NullString
	if id := GetRequestID(ctx); id != "" {
		requestID = sql.NullString{String: id, Valid: true}
	}

	extra := make(map[string]any)
	collect := func(a slog.Attr) {
		a.Value = a.Value.Resolve()
		switch {
		case h.prefix == "" && a.Key == ResourceKey:
			resource = sql.NullString{String: a.Value.String(), Valid: true}
		case h.prefix == "" && a.Key == string(RequestIDKey):
			requestID = sql.NullString{String: a.Value.String(), Valid: true}
		default:
			extra[h.prefix+a.Key] = attrValue(a.Value)
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	var attrs sql.NullString
	if len(extra) > 0 {
		data, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("encode log attrs: %w", err)
		}
		attrs = sql.NullString{String: string(data), Valid: true}
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	_, err := h.store.stmt.ExecContext(context.Background(),
		r.Time.UTC().Format(time.RFC3339Nano),
		r.Level.String(),
		r.Message,
		resource,
		requestID,
		attrs,
	)
	return err
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindGroup:
		m := make(map[string]any)
		for _, a := range v.Group() {
			m[a.Key] = attrValue(a.Value.Resolve())
		}
		return m
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339Nano)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func (h *DBHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *DBHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// Query returns stored entries, newest first.
func (h *DBHandler) Query(ctx context.Context, q Query) ([]Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if q.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, q.Resource)
	}
	if levels := levelsAtLeast(q.MinLevel); len(levels) < 4 {
		where = append(where, "level IN ("+strings.TrimSuffix(strings.Repeat("?,", len(levels)), ",")+")")
		for _, l := range levels {
			args = append(args, l)
		}
	}

	query := "SELECT id, timestamp, level, message, resource, request_id, attrs FROM logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := h.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                         Entry
			ts                        string
			resource, reqID, rawAttrs sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.Level, &e.Message, &resource, &reqID, &rawAttrs); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.Resource = resource.String
		e.RequestID = reqID.String
		if rawAttrs.Valid {
			if err := json.Unmarshal([]byte(rawAttrs.String), &e.Attrs); err != nil {
				return nil, fmt.Errorf("decode log attrs: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func levelsAtLeast(min slog.Level) []string {
	var out []string
	for _, l := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if l >= min {
			out = append(out, l.String())
		}
	}
	return out
}

func (s *dbStore) cleanupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

// runCleanup deletes entries older than the retention window.
func (s *dbStore) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retention)
	s.db.Exec("DELETE FROM logs WHERE timestamp < ?", cutoff.Format(time.RFC3339Nano))
}

// Close stops cleanup and closes the database.
func (h *DBHandler) Close() error {
	s := h.store
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stmt.Close()
		err = s.db.Close()
	})
	return err
}
