// internal/live/config.go
package live

import "time"

// Config holds the reconnect and cleanup policy of a Manager. It is copied at
// construction and never mutated afterwards.
type Config struct {
	// MaxReconnectAttempts is the number of consecutive reconnect cycles allowed
	// before a connection is abandoned.
	MaxReconnectAttempts int

	// ReconnectDelay is the base backoff delay.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff delay.
	MaxReconnectDelay time.Duration

	// CleanupDelay is the grace period before a connection without listeners is
	// torn down.
	CleanupDelay time.Duration

	// ResyncOnReconnect makes the manager deliver a RESYNC payload to every
	// listener once a dropped connection is live again, since events may have been
	// missed during the gap.
	ResyncOnReconnect bool
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 3,
		ReconnectDelay:       1 * time.Second,
		MaxReconnectDelay:    10 * time.Second,
		CleanupDelay:         1 * time.Second,
		ResyncOnReconnect:    true,
	}
}

// withDefaults fills zero durations and a negative attempt count from
// DefaultConfig. A zero MaxReconnectAttempts is valid and disables reconnects.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = def.CleanupDelay
	}
	return c
}

// Backoff returns min(ReconnectDelay * 2^attempt, MaxReconnectDelay).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.ReconnectDelay
	for i := 0; i < attempt; i++ {
		if d >= c.MaxReconnectDelay {
			break
		}
		d *= 2
	}
	if d > c.MaxReconnectDelay {
		return c.MaxReconnectDelay
	}
	return d
}
