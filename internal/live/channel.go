// internal/live/channel.go
package live

// Status is a channel connectivity transition reported by a backend.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
)

// EventAll subscribes a channel to every change kind.
const EventAll = "*"

// Channel is one live subscription feed opened by a Backend.
//
// On must be called before Subscribe. Subscribe returns immediately; the status
// callback is invoked later, from any goroutine, and a channel that reported
// StatusClosed never reports again. Unsubscribe may be called more than once.
type Channel interface {
	On(event string, spec Spec, handler func(Payload))
	Subscribe(status func(Status, error))
	Unsubscribe() error
}

// Backend allocates channels. Names are unique per call.
type Backend interface {
	Channel(name string) (Channel, error)
}

// Metrics receives manager events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ConnectionOpened(resource string)
	ConnectionClosed(resource string)
	Reconnect(resource string, attempt int)
	Delivered(resource string, listeners int)
	ListenerPanic(resource string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened(string) {}
func (nopMetrics) ConnectionClosed(string) {}
func (nopMetrics) Reconnect(string, int) {}
func (nopMetrics) Delivered(string, int) {}
func (nopMetrics) ListenerPanic(string) {}
