// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
	"github.com/markb/livefeed/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve [resource]...",
	Short: "Watch the configured tables and serve debug endpoints",
	Long: `Subscribes to every table in the config (plus any given as arguments), logs
each change, and serves connection state over HTTP:

  GET /healthz
  GET /debug/connections
  GET /debug/connections/{resource}
  GET /debug/logs?n=&resource=
  GET /debug/logs/stored?n=&resource=&level=`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if addr, _ := cmd.Flags().GetString("debug-addr"); addr != "" {
			cfg.Debug.Addr = addr
		}
		cfg.Tables = append(cfg.Tables, args...)
		if len(cfg.Tables) == 0 {
			return fmt.Errorf("no tables to watch: set tables in the config, LIVEFEED_TABLES, or pass resources")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stop, err := startRuntime(ctx, cfg, telemetry)
		if err != nil {
			return err
		}
		defer stop()

		for _, resource := range cfg.Tables {
			logger := log.ForResource(resource)
			_, err := live.RegisterListener(resource, func(p live.Payload) {
				logger.Info("change", "kind", p.Kind, "table", p.Table, "new", p.New, "old", p.Old, "errors", p.Errors)
			})
			if err != nil {
				return fmt.Errorf("watch %s: %w", resource, err)
			}
		}

		srv := server.New(server.InspectorFunc(live.Snapshot), server.Config{
			CORSOrigins: cfg.Debug.CORSOrigins,
			Telemetry:   telemetry,
		})
		if err := srv.Start(cfg.Debug.Addr); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Watching %d resource(s)\n", len(cfg.Tables))
		fmt.Fprintf(cmd.OutOrStdout(), "  Debug API: http://%s/debug/connections\n", srv.Addr())

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("debug-addr", "", "Debug server address (default from config, 127.0.0.1:9090)")
}
