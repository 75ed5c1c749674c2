// internal/realtime/backend.go
package realtime

import "github.com/markb/livefeed/internal/live"

// Backend allocates channels on a shared Socket. It implements live.Backend.
type Backend struct {
	socket *Socket
}

// NewBackend creates a backend with its own socket.
func NewBackend(opts Options) (*Backend, error) {
	s, err := NewSocket(opts)
	if err != nil {
		return nil, err
	}
	return &Backend{socket: s}, nil
}

// Channel returns an unjoined channel on topic "realtime:<name>".
func (b *Backend) Channel(name string) (live.Channel, error) {
	return newChannel(b.socket, name), nil
}

// Socket returns the underlying socket.
func (b *Backend) Socket() *Socket {
	return b.socket
}

// Close hangs up the socket.
func (b *Backend) Close() error {
	return b.socket.Close()
}
