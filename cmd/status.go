// cmd/status.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/markb/livefeed/internal/live"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connections of a running serve",
	Long:  `Queries the debug server of a running "livefeed serve" and prints one row per connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("debug-addr")
		if addr == "" {
			addr = cfg.Debug.Addr
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		conns, err := fetchConnections(ctx, addr)
		if err != nil {
			return err
		}
		printConnections(cmd.OutOrStdout(), conns)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("debug-addr", "", "Debug server address (default from config)")
}

func fetchConnections(ctx context.Context, addr string) ([]live.ConnectionInfo, error) {
	u := url.URL{Scheme: "http", Host: addr, Path: "/debug/connections"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is livefeed serve running on %s? %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("debug server returned %s: %s", resp.Status, body)
	}

	var conns []live.ConnectionInfo
	if err := json.NewDecoder(resp.Body).Decode(&conns); err != nil {
		return nil, fmt.Errorf("decode connections: %w", err)
	}
	return conns, nil
}

func printConnections(out io.Writer, conns []live.ConnectionInfo) {
	if len(conns) == 0 {
		fmt.Fprintln(out, "No connections.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RESOURCE\tSTATE\tLISTENERS\tATTEMPTS\tLAST ACTIVITY")
	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", c.Resource, connState(c), c.Listeners, c.ReconnectAttempts, c.LastActivity)
	}
	w.Flush()
}

func connState(c live.ConnectionInfo) string {
	switch {
	case c.Abandoned:
		return color.RedString("abandoned")
	case c.Connected:
		return color.GreenString("connected")
	default:
		return color.YellowString("connecting")
	}
}
