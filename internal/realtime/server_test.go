// internal/realtime/server_test.go
package realtime

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markb/livefeed/internal/live"
)

// fakeServer is a minimal Phoenix realtime endpoint.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	secret string

	mu              sync.Mutex
	conns           []*websocket.Conn
	writeMu         sync.Mutex
	queries         []string
	joins           []*Message
	leaves          []*Message
	rejectJoin      bool
	ignoreJoin      bool
	ignoreHeartbeat bool
}

func newFakeServer(t *testing.T, secret string) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, secret: secret}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.queries = append(fs.queries, r.URL.RawQuery)
		fs.mu.Unlock()

		fs.serve(conn)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) serve(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			continue
		}

		switch msg.Event {
		case EventHeartbeat:
			fs.mu.Lock()
			ignore := fs.ignoreHeartbeat
			fs.mu.Unlock()
			if !ignore {
				fs.write(conn, &Message{Event: EventReply, Topic: TopicPhoenix, Ref: msg.Ref,
					Payload: map[string]any{"status": "ok", "response": map[string]any{}}})
			}

		case EventJoin:
			fs.mu.Lock()
			fs.joins = append(fs.joins, msg)
			reject, ignore := fs.rejectJoin, fs.ignoreJoin
			fs.mu.Unlock()
			if ignore {
				continue
			}

			status, response := "ok", map[string]any{}
			if token, _ := msg.Payload["access_token"].(string); fs.secret != "" {
				if _, err := ParseRole(fs.secret, token); err != nil {
					status, response = "error", map[string]any{"reason": "invalid token"}
				}
			}
			if reject {
				status, response = "error", map[string]any{"reason": "table not in publication"}
			}
			fs.write(conn, &Message{Event: EventReply, Topic: msg.Topic, Ref: msg.Ref, JoinRef: msg.Ref,
				Payload: map[string]any{"status": status, "response": response}})

		case EventLeave:
			fs.mu.Lock()
			fs.leaves = append(fs.leaves, msg)
			fs.mu.Unlock()
			fs.write(conn, &Message{Event: EventReply, Topic: msg.Topic, Ref: msg.Ref,
				Payload: map[string]any{"status": "ok", "response": map[string]any{}}})
		}
	}
}

func (fs *fakeServer) write(conn *websocket.Conn, msg *Message) {
	fs.writeMu.Lock()
	defer fs.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		fs.t.Logf("write error: %v", err)
	}
}

// push sends msg on the most recent connection.
func (fs *fakeServer) push(msg *Message) {
	fs.mu.Lock()
	conn := fs.conns[len(fs.conns)-1]
	fs.mu.Unlock()
	fs.write(conn, msg)
}

// dropAll closes every server-side connection.
func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func (fs *fakeServer) set(fn func(fs *fakeServer)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fn(fs)
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) joined() []*Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*Message(nil), fs.joins...)
}

func (fs *fakeServer) left() []*Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]*Message(nil), fs.leaves...)
}

type statusEvent struct {
	status live.Status
	err    error
}

// statusRecorder collects channel status callbacks.
type statusRecorder chan statusEvent

func newStatusRecorder() statusRecorder {
	return make(statusRecorder, 16)
}

func (r statusRecorder) record(st live.Status, err error) {
	r <- statusEvent{st, err}
}

func (r statusRecorder) next(t *testing.T) statusEvent {
	t.Helper()
	select {
	case ev := <-r:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel status")
		return statusEvent{}
	}
}

func (r statusRecorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-r:
		t.Fatalf("unexpected status %s (%v)", ev.status, ev.err)
	case <-time.After(wait):
	}
}

func changeMessage(topic, kind string, record map[string]any) *Message {
	return &Message{
		Event: EventPostgres,
		Topic: topic,
		Payload: map[string]any{
			"ids": []int{1},
			"data": map[string]any{
				"schema":           "public",
				"table":            "tasks",
				"commit_timestamp": "2026-03-01T10:00:00.123Z",
				"type":             kind,
				"record":           record,
				"old_record":       map[string]any{},
				"columns":          []any{},
				"errors":           nil,
			},
		},
	}
}
