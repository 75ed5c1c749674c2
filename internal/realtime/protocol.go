// Package realtime is a client for Supabase Realtime's postgres_changes feed.
// It speaks Phoenix Protocol v1.0.0 over a single shared WebSocket and exposes
// each joined topic as a live.Channel.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/markb/livefeed/internal/live"
)

// Phoenix Protocol v1.0.0 message format
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
)

// Server events
const (
	EventReply    = "phx_reply"
	EventClose    = "phx_close"
	EventError    = "phx_error"
	EventSystem   = "system"
	EventPostgres = "postgres_changes"
)

// Phoenix topic for heartbeats
const TopicPhoenix = "phoenix"

// TopicPrefix is prepended to channel names to form a topic.
const TopicPrefix = "realtime:"

// JoinConfig holds channel join configuration
type JoinConfig struct {
	Broadcast       BroadcastConfig     `json:"broadcast"`
	Presence        PresenceConfig      `json:"presence"`
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Key string `json:"key"`
}

// PostgresChangeSub holds a postgres_changes subscription
type PostgresChangeSub struct {
	Event  string `json:"event"`            // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`           // "public"
	Table  string `json:"table"`            // table name
	Filter string `json:"filter,omitempty"` // e.g., "user_id=eq.123"
}

// ChangeEvent is the "data" of a postgres_changes message. Both the legacy
// (eventType/new/old) and current (type/record/old_record) field names are
// accepted.
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"`
	Type            string         `json:"type"`
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	Errors          []string       `json:"errors"`
}

// Reply is the payload of a phx_reply.
type Reply struct {
	Status   string         `json:"status"`
	Response map[string]any `json:"response"`
}

// NewJoinMessage creates a phx_join for a postgres_changes subscription.
func NewJoinMessage(topic, ref, accessToken string, sub PostgresChangeSub) *Message {
	cfg := JoinConfig{PostgresChanges: []PostgresChangeSub{sub}}

	payload := map[string]any{"config": cfg}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Payload: payload,
		Ref:     ref,
		JoinRef: ref,
	}
}

// NewLeaveMessage creates a phx_leave message
func NewLeaveMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewHeartbeatMessage creates a heartbeat on the phoenix topic
func NewHeartbeatMessage(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Payload: map[string]any{},
		Ref:     ref,
	}
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}

// ParseReply extracts the status and response of a phx_reply.
func ParseReply(msg *Message) Reply {
	var r Reply
	r.Status, _ = msg.Payload["status"].(string)
	r.Response, _ = msg.Payload["response"].(map[string]any)
	return r
}

// Reason returns a human-readable failure reason from an error reply.
func (r Reply) Reason() string {
	for _, key := range []string{"reason", "message"} {
		if s, ok := r.Response[key].(string); ok && s != "" {
			return s
		}
	}
	return r.Status
}

// ParseChangeEvent decodes the data field of a postgres_changes payload.
func ParseChangeEvent(payload map[string]any) (*ChangeEvent, error) {
	data, ok := payload["data"]
	if !ok {
		return nil, fmt.Errorf("postgres_changes payload has no data")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var ev ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("invalid change event: %w", err)
	}
	return &ev, nil
}

// Payload converts the event to a live.Payload. Unknown event types are
// rejected.
func (e *ChangeEvent) Payload() (live.Payload, error) {
	eventType := e.EventType
	if eventType == "" {
		eventType = e.Type
	}
	kind, ok := live.ParseKind(strings.ToUpper(eventType))
	if !ok || kind == live.KindResync {
		return live.Payload{}, fmt.Errorf("unknown change type %q", eventType)
	}

	p := live.Payload{
		Kind:   kind,
		Schema: e.Schema,
		Table:  e.Table,
		New:    firstRow(e.New, e.Record),
		Old:    firstRow(e.Old, e.OldRecord),
		Errors: e.Errors,
	}
	if ts, ok := parseCommitTimestamp(e.CommitTimestamp); ok {
		p.CommitTimestamp = ts
	}
	return p, nil
}

func firstRow(rows ...map[string]any) live.Row {
	for _, r := range rows {
		if len(r) > 0 {
			return live.Row(r)
		}
	}
	return nil
}

var commitTimestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999Z07:00",
}

func parseCommitTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range commitTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
