// internal/log/middleware_test.go
package log

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	useHandler(t, NewConsoleHandler(&buf, &Config{Format: "text"}, slog.LevelInfo))

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/connections", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	output := buf.String()
	for _, want := range []string{"http request", "method=GET", "path=/debug/connections", "status=200"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected log to contain %q, got %q", want, output)
		}
	}
}

func TestRequestLogger_ErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	useHandler(t, NewConsoleHandler(&buf, &Config{Format: "text"}, slog.LevelInfo))

	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/error", nil))

	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("expected ERROR level for 500 status, got %q", buf.String())
	}

	buf.Reset()
	wrapped = RequestLogger(http.NotFoundHandler())
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))
	if !strings.Contains(buf.String(), "level=WARN") {
		t.Errorf("expected WARN level for 404 status, got %q", buf.String())
	}
}

func TestGetRequestID(t *testing.T) {
	useHandler(t, NewConsoleHandler(&bytes.Buffer{}, &Config{}, slog.LevelInfo))

	var seen string
	wrapped := RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if len(seen) != 8 {
		t.Errorf("expected 8-char request ID, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected response header to echo %q", seen)
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "caller-id")
	wrapped.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "caller-id" {
		t.Errorf("expected caller supplied ID, got %q", seen)
	}
}
