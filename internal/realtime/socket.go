// internal/realtime/socket.go
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markb/livefeed/internal/log"
)

var (
	// ErrNotConnected is returned when writing without a live socket.
	ErrNotConnected = errors.New("realtime: socket not connected")

	// ErrHeartbeatTimeout is reported to channels when the server stops
	// answering heartbeats.
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")

	// ErrSocketClosed is reported to channels still joined when Close is called.
	ErrSocketClosed = errors.New("realtime: socket closed")
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB

	protocolVersion = "1.0.0"

	DefaultHeartbeatInterval = 25 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
)

// Options configures a Socket.
type Options struct {
	// URL is the project URL (http, https, ws or wss). The realtime websocket
	// path is appended unless the URL already ends in /websocket.
	URL string

	// APIKey is sent as the apikey query parameter.
	APIKey string

	// AccessToken is sent with every join. Defaults to APIKey.
	AccessToken string

	HeartbeatInterval time.Duration
	JoinTimeout       time.Duration
}

// session is one physical websocket. A Socket dials a new session after a drop.
type session struct {
	ws      *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once

	// guarded by Socket.mu
	pendingHeartbeat string
	failure          error
}

func (s *session) write(msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.ws.Close()
	})
}

// Socket multiplexes every realtime channel of the process over one websocket.
// It dials on the first join and hangs up when the last channel leaves.
type Socket struct {
	opts     Options
	endpoint string
	dialer   *websocket.Dialer

	ref atomic.Uint64

	dialMu   sync.Mutex
	mu       sync.Mutex
	sess     *session
	channels map[string]*Channel // topic -> channel
}

// NewSocket validates opts and returns an unconnected Socket.
func NewSocket(opts Options) (*Socket, error) {
	endpoint, err := buildEndpoint(opts.URL, opts.APIKey)
	if err != nil {
		return nil, err
	}
	if opts.AccessToken == "" {
		opts.AccessToken = opts.APIKey
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Socket{
		opts:     opts,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		channels: make(map[string]*Channel),
	}, nil
}

func buildEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: url %q has no host", raw)
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint returns the websocket URL the socket dials.
func (s *Socket) Endpoint() string {
	return s.endpoint
}

// Connected reports whether a websocket is currently open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// connect returns the live session, dialing one if needed.
func (s *Socket) connect(ctx context.Context) (*session, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.sess != nil {
		sess := s.sess
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()

	ws, _, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(maxMessageSize)

	sess := &session{ws: ws, done: make(chan struct{})}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()

	go s.readPump(sess)
	go s.heartbeat(sess)

	log.Debug("realtime: socket connected", "endpoint", redact(s.endpoint))
	return sess, nil
}

func (s *Socket) register(c *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.topic] = c
}

// unregister removes c and hangs up once no channel is left.
func (s *Socket) unregister(c *Channel) {
	s.mu.Lock()
	if s.channels[c.topic] == c {
		delete(s.channels, c.topic)
	}
	var idle *session
	if len(s.channels) == 0 && s.sess != nil {
		idle = s.sess
		s.sess = nil
	}
	s.mu.Unlock()

	if idle != nil {
		log.Debug("realtime: socket idle, closing")
		idle.close()
	}
}

func (s *Socket) send(msg *Message) error {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.write(msg)
}

// readPump reads messages from the websocket and routes them by topic.
func (s *Socket) readPump(sess *session) {
	var err error
	defer func() { s.drop(sess, err) }()

	for {
		var data []byte
		_, data, err = sess.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, derr := DecodeMessage(data)
		if derr != nil {
			log.Debug("realtime: invalid message", "error", derr.Error(), "len", len(data))
			continue
		}
		s.route(sess, msg)
	}
}

func (s *Socket) route(sess *session, msg *Message) {
	if msg.Topic == TopicPhoenix {
		if msg.Event == EventReply {
			s.mu.Lock()
			if sess.pendingHeartbeat == msg.Ref {
				sess.pendingHeartbeat = ""
			}
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	c := s.channels[msg.Topic]
	s.mu.Unlock()
	if c == nil {
		log.Debug("realtime: message for unknown topic", "topic", msg.Topic, "event", msg.Event)
		return
	}
	c.handle(msg)
}

// drop handles the end of a session. An unexpected drop closes every channel
// that was using it.
func (s *Socket) drop(sess *session, err error) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		sess.close()
		return
	}
	s.sess = nil
	if sess.failure != nil {
		err = sess.failure
	}
	channels := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c)
	}
	s.channels = make(map[string]*Channel)
	s.mu.Unlock()

	sess.close()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	log.Warn("realtime: socket disconnected", "channels", len(channels), "error", errMsg)

	for _, c := range channels {
		c.finish(fmt.Errorf("realtime: connection lost: %w", err))
	}
}

// heartbeat sends a phoenix heartbeat every interval. If the previous one is
// still unanswered the session is torn down.
func (s *Socket) heartbeat(sess *session) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if sess.pendingHeartbeat != "" {
			sess.failure = ErrHeartbeatTimeout
			s.mu.Unlock()
			log.Warn("realtime: heartbeat not acknowledged", "ref", sess.pendingHeartbeat)
			sess.ws.Close()
			return
		}
		ref := s.nextRef()
		sess.pendingHeartbeat = ref
		s.mu.Unlock()

		if err := sess.write(NewHeartbeatMessage(ref)); err != nil {
			log.Debug("realtime: heartbeat write failed", "error", err.Error())
		}
	}
}

// Close hangs up and reports CLOSED to every channel still joined.
func (s *Socket) Close() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	channels := make([]*Channel, 0, len(s.channels))
	for _, c := range s.channels {
		channels = append(channels, c)
	}
	s.channels = make(map[string]*Channel)
	s.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	for _, c := range channels {
		c.finish(ErrSocketClosed)
	}
	return nil
}

// redact hides the apikey query parameter for logging.
func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
