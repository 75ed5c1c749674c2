// cmd/runtime.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/markb/livefeed/internal/config"
	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
	"github.com/markb/livefeed/internal/observability"
	"github.com/markb/livefeed/internal/pgnotify"
	"github.com/markb/livefeed/internal/realtime"
)

// defaultJWTSecret matches the development secret of a local realtime server.
const defaultJWTSecret = "super-secret-jwt-key-please-change-in-production"

// buildBackend returns the configured change source and a closer for it.
func buildBackend(c *config.Config) (live.Backend, io.Closer, error) {
	switch c.Backend {
	case config.BackendPostgres:
		b, err := pgnotify.NewBackend(pgnotify.Options{DSN: c.Postgres.DSN, Prefix: c.Postgres.Prefix})
		if err != nil {
			return nil, nil, err
		}
		return b, closerFunc(func() error { return nil }), nil

	case config.BackendRealtime:
		apiKey, err := resolveAPIKey(c.Realtime)
		if err != nil {
			return nil, nil, err
		}
		b, err := realtime.NewBackend(realtime.Options{
			URL:               c.Realtime.URL,
			APIKey:            apiKey,
			AccessToken:       c.Realtime.AccessToken,
			HeartbeatInterval: c.Realtime.HeartbeatInterval,
			JoinTimeout:       c.Realtime.JoinTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// resolveAPIKey returns the configured key, or mints one for the configured
// role from the JWT secret.
func resolveAPIKey(rc config.RealtimeConfig) (string, error) {
	if rc.APIKey != "" {
		return rc.APIKey, nil
	}
	if rc.JWTSecret == "" {
		return "", fmt.Errorf("realtime backend needs LIVEFEED_API_KEY or LIVEFEED_JWT_SECRET")
	}
	key, err := realtime.MintToken(rc.JWTSecret, rc.Role, 0)
	if err != nil {
		return "", fmt.Errorf("failed to mint %s key: %w", rc.Role, err)
	}
	return key, nil
}

// startRuntime installs the process-wide manager factory and the exit hook.
// The returned func tears everything down; it is safe to call more than once.
func startRuntime(ctx context.Context, c *config.Config, tel *observability.Telemetry) (func(), error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	backend, closer, err := buildBackend(c)
	if err != nil {
		return nil, err
	}

	opts := []live.Option{
		live.WithConfig(c.LiveConfig()),
		live.WithLogger(log.Logger()),
	}
	if tel != nil && tel.Metrics() != nil {
		opts = append(opts, live.WithMetrics(tel.Metrics()))
	}
	live.Configure(func() (*live.Manager, error) {
		return live.NewManager(backend, opts...), nil
	})
	stopHook := live.InstallExitHook(ctx)

	log.Info("livefeed started", "backend", c.Backend, "version", Version)

	return func() {
		stopHook()
		live.Reset()
		live.Configure(nil)
		if err := closer.Close(); err != nil {
			log.Warn("backend close failed", "error", err)
		}
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// warnf prints a yellow warning to stderr.
func warnf(format string, args ...any) {
	fmt.Fprintln(color.Error, color.YellowString("Warning: "+format, args...))
}
