package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/markb/livefeed/internal/config"
	"github.com/markb/livefeed/internal/log"
	"github.com/markb/livefeed/internal/observability"
	"github.com/spf13/cobra"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var (
	cfg       *config.Config
	telemetry *observability.Telemetry
	stopTel   = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "livefeed",
	Short: "Multiplexed real-time table change feeds",
	Long: `livefeed watches database tables for row changes and fans them out to
listeners, sharing one backend channel per table and filter. Changes come
from a Supabase-compatible realtime server or straight from PostgreSQL
LISTEN/NOTIFY.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		stopTel()
		log.Close()
	},
}

func init() {
	rootCmd.SetVersionTemplate("livefeed version {{.Version}}\n")

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "Path to a YAML config file (env: LIVEFEED_CONFIG)")
	pf.String("backend", "", "Change source: realtime or postgres")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: text or json")
	pf.String("log-mode", "", "Log output: console, file, or database")
	pf.String("log-file", "", "Log file path when --log-mode=file")
}

// setup loads configuration (file, then LIVEFEED_* env, then flags) and
// starts logging and telemetry.
func setup(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("LIVEFEED_CONFIG")
	}

	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := c.ApplyEnv(os.Getenv); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	applyFlags(cmd, c)

	if err := log.Init(c.LogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	observability.ServiceVersion = Version
	tel, cleanup, err := observability.Init(context.Background(), c.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	cfg, telemetry, stopTel = c, tel, cleanup
	log.Debug("configuration loaded", "path", path, "backend", c.Backend, "tables", len(c.Tables))
	return nil
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	str := func(name string, dst *string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("backend", &c.Backend)
	str("log-level", &c.Log.Level)
	str("log-format", &c.Log.Format)
	str("log-mode", &c.Log.Mode)
	str("log-file", &c.Log.FilePath)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
