// Package pgnotify is a live.Backend over PostgreSQL LISTEN/NOTIFY. Row
// changes are published by a trigger installed with InstallTrigger.
package pgnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/markb/livefeed/internal/filter"
	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
)

// DefaultPrefix namespaces notify channels.
const DefaultPrefix = "livefeed"

// maxIdentLen is PostgreSQL's NAMEDATALEN - 1.
const maxIdentLen = 63

const connectTimeout = 10 * time.Second

// ErrConnectionLost is reported with CLOSED when the LISTEN connection fails.
var ErrConnectionLost = errors.New("pgnotify: connection lost")

// Conn is the subset of *pgx.Conn a channel needs.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ConnectFunc opens a dedicated LISTEN connection.
type ConnectFunc func(ctx context.Context, dsn string) (Conn, error)

// Options configures a Backend.
type Options struct {
	DSN    string
	Prefix string

	// Connect overrides pgx.Connect, mostly for tests.
	Connect ConnectFunc
}

// Backend opens one LISTEN connection per channel. It implements live.Backend.
type Backend struct {
	dsn     string
	prefix  string
	connect ConnectFunc
}

// NewBackend returns a backend for opts.
func NewBackend(opts Options) (*Backend, error) {
	if opts.DSN == "" && opts.Connect == nil {
		return nil, errors.New("pgnotify: dsn is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	connect := opts.Connect
	if connect == nil {
		connect = func(ctx context.Context, dsn string) (Conn, error) {
			return pgx.Connect(ctx, dsn)
		}
	}
	return &Backend{dsn: opts.DSN, prefix: opts.Prefix, connect: connect}, nil
}

// Channel returns an idle channel. The name is only used for logging; the
// notify channel is derived from the resource spec given to On.
func (b *Backend) Channel(name string) (live.Channel, error) {
	return &Channel{backend: b, name: name, event: live.EventAll}, nil
}

// NotifyChannel returns the channel a table's trigger notifies on.
func NotifyChannel(prefix, schema, table string) string {
	name := strings.ToLower(prefix + "_" + schema + "_" + table)
	if len(name) > maxIdentLen {
		name = name[:maxIdentLen]
	}
	return name
}

// notification is the JSON document sent by livefeed_notify().
type notification struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	Errors          []string       `json:"errors"`
}

func decodeNotification(payload string) (live.Payload, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return live.Payload{}, fmt.Errorf("pgnotify: invalid notification: %w", err)
	}
	kind, ok := live.ParseKind(n.Type)
	if !ok || kind == live.KindResync {
		return live.Payload{}, fmt.Errorf("pgnotify: unknown change type %q", n.Type)
	}
	p := live.Payload{
		Kind:            kind,
		Schema:          n.Schema,
		Table:           n.Table,
		CommitTimestamp: n.CommitTimestamp,
		Errors:          n.Errors,
	}
	if len(n.Record) > 0 {
		p.New = live.Row(n.Record)
	}
	if len(n.OldRecord) > 0 {
		p.Old = live.Row(n.OldRecord)
	}
	return p, nil
}

// Channel LISTENs on one table's notify channel.
type Channel struct {
	backend *Backend
	name    string

	mu      sync.Mutex
	event   string
	spec    live.Spec
	filter  *filter.Filter
	handler func(live.Payload)
	status  func(live.Status, error)
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// On sets the change binding. A filter in spec is evaluated locally.
func (c *Channel) On(event string, spec live.Spec, handler func(live.Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.event = event
	c.spec = spec
	c.handler = handler
	c.filter = nil
	if spec.Filter != "" {
		f, err := filter.Parse(spec.Filter)
		if err != nil {
			log.Warn("pgnotify: ignoring invalid filter", "channel", c.name, "filter", spec.Filter, "error", err.Error())
			return
		}
		c.filter = f
	}
}

// Subscribe starts listening in the background.
func (c *Channel) Subscribe(status func(live.Status, error)) {
	c.mu.Lock()
	if c.closed || c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.status = status
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	c.mu.Lock()
	spec := c.spec
	c.mu.Unlock()
	channel := NotifyChannel(c.backend.prefix, spec.Schema, spec.Table)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := c.backend.connect(dialCtx, c.backend.dsn)
	cancel()
	if err != nil {
		c.finish(ctx, fmt.Errorf("pgnotify: connect: %w", err))
		return
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		c.finish(ctx, fmt.Errorf("pgnotify: listen %s: %w", channel, err))
		return
	}

	log.Debug("pgnotify: listening", "channel", channel, "resource", spec.String())
	c.report(live.StatusSubscribed, nil)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			c.finish(ctx, fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		if n.Channel != channel {
			continue
		}
		c.deliver(n.Payload)
	}
}

func (c *Channel) deliver(raw string) {
	p, err := decodeNotification(raw)
	if err != nil {
		log.Warn("pgnotify: dropping notification", "channel", c.name, "error", err.Error())
		return
	}

	c.mu.Lock()
	handler, event, f, closed := c.handler, c.event, c.filter, c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	if event != live.EventAll && event != string(p.Kind) {
		return
	}
	// Oversized rows arrive without data and cannot be filtered; pass them on.
	if f != nil && len(p.Errors) == 0 && !f.Match(p.New, p.Old) {
		return
	}
	handler(p)
}

func (c *Channel) report(st live.Status, err error) {
	c.mu.Lock()
	status, closed := c.status, c.closed
	c.mu.Unlock()
	if !closed && status != nil {
		status(st, err)
	}
}

// finish reports CLOSED unless the channel was unsubscribed.
func (c *Channel) finish(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	status := c.status
	c.mu.Unlock()

	log.Warn("pgnotify: channel closed", "channel", c.name, "error", err.Error())
	if status != nil {
		status(live.StatusClosed, err)
	}
}

// Unsubscribe stops listening and closes the connection. No status is reported
// afterwards.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	c.closed = true
	c.status = nil
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
