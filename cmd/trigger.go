// cmd/trigger.go
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/pgnotify"
	"github.com/spf13/cobra"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage PostgreSQL change triggers",
	Long: `The postgres backend listens for notifications published by a row trigger.
These commands install or remove that trigger on the database in postgres.dsn.`,
}

var triggerInstallCmd = &cobra.Command{
	Use:   "install <table>...",
	Short: "Install the notify trigger on tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := cfg.Postgres.Prefix
		if prefix == "" {
			prefix = pgnotify.DefaultPrefix
		}
		return forEachTable(cmd, args, func(ctx context.Context, db *sql.DB, spec live.Spec) error {
			if err := pgnotify.InstallTrigger(ctx, db, prefix, spec.Schema, spec.Table); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed trigger on %s.%s (channel %s)\n",
				spec.Schema, spec.Table, pgnotify.NotifyChannel(prefix, spec.Schema, spec.Table))
			return nil
		})
	},
}

var triggerDropCmd = &cobra.Command{
	Use:   "drop <table>...",
	Short: "Remove the notify trigger from tables",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEachTable(cmd, args, func(ctx context.Context, db *sql.DB, spec live.Spec) error {
			if err := pgnotify.DropTrigger(ctx, db, spec.Schema, spec.Table); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dropped trigger on %s.%s\n", spec.Schema, spec.Table)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerInstallCmd)
	triggerCmd.AddCommand(triggerDropCmd)
	triggerCmd.PersistentFlags().String("dsn", "", "PostgreSQL connection string (default postgres.dsn)")
}

// forEachTable parses every table argument before touching the database, then
// runs fn for each.
func forEachTable(cmd *cobra.Command, tables []string, fn func(context.Context, *sql.DB, live.Spec) error) error {
	specs := make([]live.Spec, 0, len(tables))
	for _, t := range tables {
		spec, err := live.ParseResource(t)
		if err != nil {
			return err
		}
		if spec.Filter != "" {
			return fmt.Errorf("%s: triggers cover the whole table, drop the filter", t)
		}
		specs = append(specs, spec)
	}

	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = cfg.Postgres.DSN
	}
	if dsn == "" {
		return fmt.Errorf("no database: set postgres.dsn, LIVEFEED_PG_DSN, or --dsn")
	}

	db, err := pgnotify.OpenDB(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	for _, spec := range specs {
		if err := fn(ctx, db, spec); err != nil {
			return err
		}
	}
	return nil
}
