// internal/realtime/channel.go
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
)

var (
	// ErrJoinTimeout is reported with TIMED_OUT when a join gets no reply.
	ErrJoinTimeout = errors.New("realtime: join timed out")

	// ErrJoinRejected is reported with CHANNEL_ERROR when the server refuses a join.
	ErrJoinRejected = errors.New("realtime: join rejected")

	// ErrChannelClosed is reported when the server closes the channel.
	ErrChannelClosed = errors.New("realtime: channel closed by server")
)

// Channel is one postgres_changes subscription on a Socket. It implements
// live.Channel.
type Channel struct {
	socket *Socket
	name   string
	topic  string

	mu        sync.Mutex
	event     string
	spec      live.Spec
	handler   func(live.Payload)
	status    func(live.Status, error)
	joinRef   string
	joined    bool
	closed    bool
	joinTimer *time.Timer
}

func newChannel(s *Socket, name string) *Channel {
	return &Channel{
		socket: s,
		name:   name,
		topic:  TopicPrefix + name,
		event:  live.EventAll,
	}
}

// Topic returns the phoenix topic of the channel.
func (c *Channel) Topic() string {
	return c.topic
}

// On sets the change binding. Only the last call before Subscribe counts.
func (c *Channel) On(event string, spec live.Spec, handler func(live.Payload)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.event = event
	c.spec = spec
	c.handler = handler
}

// Subscribe joins the topic in the background and reports transitions to status.
func (c *Channel) Subscribe(status func(live.Status, error)) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	go c.join()
}

func (c *Channel) join() {
	timeout := c.socket.opts.JoinTimeout

	c.socket.register(c)
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.socket.unregister(c)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := c.socket.connect(ctx); err != nil {
		c.finish(fmt.Errorf("realtime: connect: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.socket.unregister(c)
		return
	}
	c.joinRef = c.socket.nextRef()
	c.joinTimer = time.AfterFunc(timeout, c.timeout)
	msg := NewJoinMessage(c.topic, c.joinRef, c.socket.opts.AccessToken, PostgresChangeSub{
		Event:  c.event,
		Schema: c.spec.Schema,
		Table:  c.spec.Table,
		Filter: c.spec.Filter,
	})
	c.mu.Unlock()

	log.Debug("realtime: joining", "topic", c.topic, "table", c.spec.String())

	if err := c.socket.send(msg); err != nil {
		c.finish(fmt.Errorf("realtime: send join: %w", err))
	}
}

func (c *Channel) timeout() {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if !joined {
		c.fail(live.StatusTimedOut, ErrJoinTimeout)
	}
}

// handle processes a message routed to this channel's topic.
func (c *Channel) handle(msg *Message) {
	switch msg.Event {
	case EventReply:
		c.handleReply(msg)
	case EventPostgres:
		c.handleChange(msg)
	case EventSystem:
		status, _ := msg.Payload["status"].(string)
		if status == "error" {
			text, _ := msg.Payload["message"].(string)
			c.fail(live.StatusChannelError, fmt.Errorf("realtime: %s", text))
			return
		}
		log.Debug("realtime: system message", "topic", c.topic, "status", status)
	case EventClose, EventError:
		c.finish(ErrChannelClosed)
	default:
		log.Debug("realtime: unhandled event", "topic", c.topic, "event", msg.Event)
	}
}

func (c *Channel) handleReply(msg *Message) {
	r := ParseReply(msg)

	c.mu.Lock()
	if c.closed || c.joined || msg.Ref != c.joinRef {
		c.mu.Unlock()
		return
	}
	if r.Status == "ok" {
		c.joined = true
		if c.joinTimer != nil {
			c.joinTimer.Stop()
		}
	}
	status := c.status
	c.mu.Unlock()

	if r.Status != "ok" {
		c.fail(live.StatusChannelError, fmt.Errorf("%w: %s", ErrJoinRejected, r.Reason()))
		return
	}
	log.Debug("realtime: joined", "topic", c.topic)
	if status != nil {
		status(live.StatusSubscribed, nil)
	}
}

func (c *Channel) handleChange(msg *Message) {
	ev, err := ParseChangeEvent(msg.Payload)
	if err != nil {
		log.Warn("realtime: bad postgres_changes payload", "topic", c.topic, "error", err.Error())
		return
	}
	p, err := ev.Payload()
	if err != nil {
		log.Warn("realtime: bad postgres_changes payload", "topic", c.topic, "error", err.Error())
		return
	}

	c.mu.Lock()
	handler, event, closed := c.handler, c.event, c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	if event != live.EventAll && event != string(p.Kind) {
		return
	}
	handler(p)
}

// fail reports st and then CLOSED.
func (c *Channel) fail(st live.Status, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	status := c.status
	c.mu.Unlock()

	log.Warn("realtime: channel failed", "topic", c.topic, "status", string(st), "error", err.Error())
	if status != nil {
		status(st, err)
	}
	c.finish(err)
}

// finish marks the channel closed and reports CLOSED once.
func (c *Channel) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	status := c.status
	c.mu.Unlock()

	c.socket.unregister(c)
	if status != nil {
		status(live.StatusClosed, err)
	}
}

// Unsubscribe leaves the topic. No status is reported afterwards. It is safe to
// call more than once.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status = nil
	if c.joinTimer != nil {
		c.joinTimer.Stop()
	}
	joinRef := c.joinRef
	c.mu.Unlock()

	var err error
	if joinRef != "" {
		err = c.socket.send(NewLeaveMessage(c.topic, joinRef, c.socket.nextRef()))
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	}
	c.socket.unregister(c)
	return err
}
