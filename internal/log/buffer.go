// internal/log/buffer.go
package log

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer is a thread-safe circular buffer for log lines.
type RingBuffer struct {
	mu       sync.RWMutex
	lines    []string
	capacity int
	head     int  // next write position
	full     bool // buffer has wrapped
}

// NewRingBuffer creates a ring buffer. Non-positive capacities mean 500.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Add appends a line, evicting the oldest when full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.capacity
	if rb.head == 0 {
		rb.full = true
	}
}

// Write adds each complete line of p. It lets a slog handler format straight
// into the buffer.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			rb.Add(line)
		}
	}
	return len(p), nil
}

// Lines returns the last n lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	return rb.Matching(n, "")
}

// Matching returns the last n lines containing substr, oldest first.
func (rb *RingBuffer) Matching(n int, substr string) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 {
		return []string{}
	}

	total := rb.total()
	start := 0
	if rb.full {
		start = rb.head
	}

	// Walk newest to oldest, then reverse.
	out := make([]string, 0, min(n, total))
	for i := total - 1; i >= 0 && len(out) < n; i-- {
		line := rb.lines[(start+i)%rb.capacity]
		if substr == "" || strings.Contains(line, substr) {
			out = append(out, line)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Total returns the number of lines currently held.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total()
}

func (rb *RingBuffer) total() int {
	if rb.full {
		return rb.capacity
	}
	return rb.head
}

func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// BufferHandler copies every record, debug included, into a RingBuffer as a
// text line and forwards it to the wrapped handler when that handler accepts
// the level.
type BufferHandler struct {
	wrapped slog.Handler
	text    slog.Handler
}

// NewBufferHandler wraps a handler. wrapped may be nil.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{
		wrapped: wrapped,
		text:    slog.NewTextHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
}

func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	h.text.Handle(ctx, r)

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{text: h.text.WithAttrs(attrs)}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{text: h.text.WithGroup(name)}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}
