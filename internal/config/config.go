// Package config loads livefeed configuration from a YAML file and LIVEFEED_*
// environment variables. Command-line flags are applied on top by cmd.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
	"github.com/markb/livefeed/internal/observability"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendRealtime = "realtime"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend   string          `yaml:"backend"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Live      LiveConfig      `yaml:"live"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     DebugConfig     `yaml:"debug"`

	// Tables are the resources watched by "serve".
	Tables []string `yaml:"tables"`
}

type RealtimeConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`

	// JWTSecret mints APIKey for Role when no key is configured.
	JWTSecret string `yaml:"jwt_secret"`
	Role      string `yaml:"role"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	JoinTimeout       time.Duration `yaml:"join_timeout"`
}

type PostgresConfig struct {
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"`
}

type LiveConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	CleanupDelay         time.Duration `yaml:"cleanup_delay"`
	ResyncOnReconnect    bool          `yaml:"resync_on_reconnect"`
}

type LogConfig struct {
	Mode          string `yaml:"mode"`
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	FilePath      string `yaml:"file"`
	MaxSizeMB     int    `yaml:"max_size_mb"`
	MaxAgeDays    int    `yaml:"max_age_days"`
	MaxBackups    int    `yaml:"max_backups"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
	BufferLines   int    `yaml:"buffer_lines"`
}

type TelemetryConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Metrics     bool    `yaml:"metrics"`
	Traces      bool    `yaml:"traces"`
}

type DebugConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	lc := live.DefaultConfig()
	logc := log.DefaultConfig()
	tc := observability.NewConfig()

	return &Config{
		Backend: BackendRealtime,
		Realtime: RealtimeConfig{
			URL:               "http://localhost:8080",
			Role:              "anon",
			HeartbeatInterval: 25 * time.Second,
			JoinTimeout:       10 * time.Second,
		},
		Postgres: PostgresConfig{
			Prefix: "livefeed",
		},
		Live: LiveConfig{
			MaxReconnectAttempts: lc.MaxReconnectAttempts,
			ReconnectDelay:       lc.ReconnectDelay,
			MaxReconnectDelay:    lc.MaxReconnectDelay,
			CleanupDelay:         lc.CleanupDelay,
			ResyncOnReconnect:    lc.ResyncOnReconnect,
		},
		Log: LogConfig{
			Mode:          logc.Mode,
			Level:         logc.Level,
			Format:        logc.Format,
			FilePath:      logc.FilePath,
			MaxSizeMB:     logc.MaxSizeMB,
			MaxAgeDays:    logc.MaxAgeDays,
			MaxBackups:    logc.MaxBackups,
			DBPath:        logc.DBPath,
			RetentionDays: logc.RetentionDays,
			BufferLines:   logc.BufferLines,
		},
		Telemetry: TelemetryConfig{
			Exporter:    tc.Exporter,
			Endpoint:    tc.Endpoint,
			ServiceName: tc.ServiceName,
			SampleRate:  tc.SampleRate,
			Metrics:     tc.MetricsEnabled,
			Traces:      tc.TracesEnabled,
		},
		Debug: DebugConfig{
			Addr: "127.0.0.1:9090",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LIVEFEED_* variables read through getenv.
// Malformed numbers and durations are reported, not ignored.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("LIVEFEED_BACKEND", &c.Backend)

	str("LIVEFEED_REALTIME_URL", &c.Realtime.URL)
	str("LIVEFEED_API_KEY", &c.Realtime.APIKey)
	str("LIVEFEED_ACCESS_TOKEN", &c.Realtime.AccessToken)
	str("LIVEFEED_JWT_SECRET", &c.Realtime.JWTSecret)
	str("LIVEFEED_ROLE", &c.Realtime.Role)

	str("LIVEFEED_PG_DSN", &c.Postgres.DSN)
	str("LIVEFEED_PG_PREFIX", &c.Postgres.Prefix)

	num("LIVEFEED_MAX_RECONNECT_ATTEMPTS", &c.Live.MaxReconnectAttempts)
	dur("LIVEFEED_RECONNECT_DELAY", &c.Live.ReconnectDelay)
	dur("LIVEFEED_MAX_RECONNECT_DELAY", &c.Live.MaxReconnectDelay)
	dur("LIVEFEED_CLEANUP_DELAY", &c.Live.CleanupDelay)
	if v := getenv("LIVEFEED_RESYNC_ON_RECONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LIVEFEED_RESYNC_ON_RECONNECT: %w", err))
		} else {
			c.Live.ResyncOnReconnect = b
		}
	}

	str("LIVEFEED_LOG_MODE", &c.Log.Mode)
	str("LIVEFEED_LOG_LEVEL", &c.Log.Level)
	str("LIVEFEED_LOG_FORMAT", &c.Log.Format)
	str("LIVEFEED_LOG_FILE", &c.Log.FilePath)
	str("LIVEFEED_LOG_DB", &c.Log.DBPath)

	str("LIVEFEED_OTEL_EXPORTER", &c.Telemetry.Exporter)
	str("LIVEFEED_OTEL_ENDPOINT", &c.Telemetry.Endpoint)

	str("LIVEFEED_DEBUG_ADDR", &c.Debug.Addr)

	if v := getenv("LIVEFEED_TABLES"); v != "" {
		c.Tables = splitList(v)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendRealtime:
		if c.Realtime.URL == "" {
			errs = append(errs, errors.New("realtime.url is required"))
		}
		if c.Realtime.APIKey == "" && c.Realtime.JWTSecret == "" {
			errs = append(errs, errors.New("realtime.api_key or realtime.jwt_secret is required"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendRealtime, BackendPostgres))
	}

	if c.Live.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("live.max_reconnect_attempts must be >= 0"))
	}
	if c.Live.ReconnectDelay <= 0 || c.Live.MaxReconnectDelay <= 0 || c.Live.CleanupDelay <= 0 {
		errs = append(errs, errors.New("live delays must be positive"))
	}
	if c.Live.MaxReconnectDelay < c.Live.ReconnectDelay {
		errs = append(errs, errors.New("live.max_reconnect_delay must be >= live.reconnect_delay"))
	}

	switch c.Log.Mode {
	case "console", "file", "database":
	default:
		errs = append(errs, fmt.Errorf("unknown log mode %q", c.Log.Mode))
	}

	for _, table := range c.Tables {
		if _, err := live.ParseResource(table); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LiveConfig returns the manager configuration.
func (c *Config) LiveConfig() live.Config {
	return live.Config{
		MaxReconnectAttempts: c.Live.MaxReconnectAttempts,
		ReconnectDelay:       c.Live.ReconnectDelay,
		MaxReconnectDelay:    c.Live.MaxReconnectDelay,
		CleanupDelay:         c.Live.CleanupDelay,
		ResyncOnReconnect:    c.Live.ResyncOnReconnect,
	}
}

// LogConfig returns the logger configuration.
func (c *Config) LogConfig() *log.Config {
	return &log.Config{
		Mode:          c.Log.Mode,
		Level:         c.Log.Level,
		Format:        c.Log.Format,
		FilePath:      c.Log.FilePath,
		MaxSizeMB:     c.Log.MaxSizeMB,
		MaxAgeDays:    c.Log.MaxAgeDays,
		MaxBackups:    c.Log.MaxBackups,
		DBPath:        c.Log.DBPath,
		RetentionDays: c.Log.RetentionDays,
		BufferLines:   c.Log.BufferLines,
	}
}

// TelemetryConfig returns the OpenTelemetry configuration.
func (c *Config) TelemetryConfig() *observability.Config {
	return &observability.Config{
		Exporter:       c.Telemetry.Exporter,
		Endpoint:       c.Telemetry.Endpoint,
		ServiceName:    c.Telemetry.ServiceName,
		SampleRate:     c.Telemetry.SampleRate,
		MetricsEnabled: c.Telemetry.Metrics,
		TracesEnabled:  c.Telemetry.Traces,
	}
}
