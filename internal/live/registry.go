// internal/live/registry.go
package live

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// ErrNotConfigured is returned by the package-level functions before Configure.
var ErrNotConfigured = errors.New("live: registry not configured")

// Factory builds the process-wide Manager on first use.
type Factory func() (*Manager, error)

var (
	registryMu sync.Mutex
	factory    Factory
	instance   *Manager
)

// Configure sets the factory used to lazily build the process-wide manager. It
// does not tear down a manager that is already running; call Reset first.
func Configure(f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory = f
}

func manager() (*Manager, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if instance != nil {
		return instance, nil
	}
	if factory == nil {
		return nil, ErrNotConfigured
	}
	m, err := factory()
	if err != nil {
		return nil, err
	}
	instance = m
	return instance, nil
}

// RegisterListener registers l for resource on the process-wide manager and
// returns its unsubscribe function.
func RegisterListener(resource string, l Listener) (func(), error) {
	m, err := manager()
	if err != nil {
		return nil, err
	}
	return m.AddListener(resource, l)
}

// GetStatus reports whether resource is live. It never builds a manager.
func GetStatus(resource string) bool {
	registryMu.Lock()
	m := instance
	registryMu.Unlock()

	if m == nil {
		return false
	}
	return m.Status(resource)
}

// Snapshot returns debug information for the process-wide manager, or nil if
// none has been built.
func Snapshot() []ConnectionInfo {
	registryMu.Lock()
	m := instance
	registryMu.Unlock()

	if m == nil {
		return nil
	}
	return m.Snapshot()
}

// Reset cleans up and discards the process-wide manager. The next
// RegisterListener builds a new one.
func Reset() {
	registryMu.Lock()
	m := instance
	instance = nil
	registryMu.Unlock()

	if m != nil {
		m.Cleanup()
	}
}

// InstallExitHook calls Reset exactly once when ctx is done or the process
// receives SIGINT or SIGTERM. The returned function stops the hook without
// resetting.
func InstallExitHook(ctx context.Context) (stop func()) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	var once sync.Once
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()
		once.Do(Reset)
	}()

	return func() {
		once.Do(func() {})
		cancel()
		<-done
	}
}
