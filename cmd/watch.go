// cmd/watch.go
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var watchCmd = &cobra.Command{
	Use:   "watch <resource>...",
	Short: "Print row changes as they happen",
	Long: `Subscribes to each resource and prints every change until interrupted.

A resource is "table", "schema.table", or either followed by ":column=op.value",
for example "tasks" or "public.tasks:assignee_id=eq.42".

Output is colored text on a terminal and JSON lines otherwise.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		noColor, _ := cmd.Flags().GetBool("no-color")
		events, _ := cmd.Flags().GetStringSlice("event")
		count, _ := cmd.Flags().GetInt("count")

		kinds, err := parseKinds(events)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		stop, err := startRuntime(ctx, cfg, telemetry)
		if err != nil {
			return err
		}
		defer stop()

		out := cmd.OutOrStdout()
		p := newPrinter(out, asJSON || !isTerminal(out), noColor, kinds, count)

		for _, resource := range args {
			if _, err := live.RegisterListener(resource, p.print); err != nil {
				return fmt.Errorf("watch %s: %w", resource, err)
			}
		}

		select {
		case <-ctx.Done():
		case <-p.done:
		}
		return p.Err()
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("json", false, "Print JSON lines even on a terminal")
	watchCmd.Flags().Bool("no-color", false, "Disable colored output")
	watchCmd.Flags().StringSlice("event", nil, "Only print these kinds (INSERT, UPDATE, DELETE, RESYNC)")
	watchCmd.Flags().IntP("count", "n", 0, "Exit after printing this many changes")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func parseKinds(names []string) (map[live.Kind]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	kinds := make(map[live.Kind]bool, len(names))
	for _, n := range names {
		k, ok := live.ParseKind(strings.ToUpper(strings.TrimSpace(n)))
		if !ok {
			return nil, fmt.Errorf("unknown event %q", n)
		}
		kinds[k] = true
	}
	return kinds, nil
}

// printer writes payloads from any number of listeners to one writer.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	json    bool
	kinds   map[live.Kind]bool
	limit   int
	printed int
	stopped bool
	err     error
	done    chan struct{}

	kindColor map[live.Kind]*color.Color
	resource  *color.Color
	faint     *color.Color
	errc      *color.Color
}

func newPrinter(out io.Writer, asJSON, noColor bool, kinds map[live.Kind]bool, limit int) *printer {
	p := &printer{
		out:   out,
		json:  asJSON,
		kinds: kinds,
		limit: limit,
		done:  make(chan struct{}),
		kindColor: map[live.Kind]*color.Color{
			live.KindInsert: color.New(color.FgGreen, color.Bold),
			live.KindUpdate: color.New(color.FgYellow, color.Bold),
			live.KindDelete: color.New(color.FgRed, color.Bold),
			live.KindResync: color.New(color.FgMagenta, color.Bold),
		},
		resource: color.New(color.FgCyan),
		faint:    color.New(color.Faint),
		errc:     color.New(color.FgRed),
	}
	if noColor || asJSON {
		for _, c := range p.kindColor {
			c.DisableColor()
		}
		p.resource.DisableColor()
		p.faint.DisableColor()
		p.errc.DisableColor()
	}
	return p
}

func (p *printer) print(pl live.Payload) {
	if p.kinds != nil && !p.kinds[pl.Kind] {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	var err error
	if p.json {
		err = json.NewEncoder(p.out).Encode(pl)
	} else {
		_, err = fmt.Fprintln(p.out, p.format(pl))
	}
	if err != nil {
		log.Warn("watch: output failed, stopping", "resource", pl.Resource, "error", err)
		p.err = fmt.Errorf("write output: %w", err)
		p.stop()
		return
	}

	p.printed++
	if p.limit > 0 && p.printed == p.limit {
		p.stop()
	}
}

// stop closes done once. The caller holds p.mu.
func (p *printer) stop() {
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
}

// Err returns the write error that stopped the printer, if any.
func (p *printer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *printer) format(pl live.Payload) string {
	var b strings.Builder
	if !pl.CommitTimestamp.IsZero() {
		b.WriteString(p.faint.Sprint(pl.CommitTimestamp.Local().Format("15:04:05.000")))
		b.WriteByte(' ')
	}
	kc := p.kindColor[pl.Kind]
	if kc == nil {
		kc = p.faint
	}
	b.WriteString(kc.Sprintf("%-6s", pl.Kind))
	b.WriteByte(' ')
	b.WriteString(p.resource.Sprint(pl.Resource))

	switch pl.Kind {
	case live.KindResync:
		b.WriteString(p.faint.Sprint(" reconnected, refetch current rows"))
	case live.KindDelete:
		b.WriteString(" " + rowJSON(pl.Old))
	case live.KindUpdate:
		if len(pl.Old) > 0 {
			b.WriteString(" " + p.faint.Sprint(rowJSON(pl.Old)) + " ->")
		}
		b.WriteString(" " + rowJSON(pl.New))
	default:
		b.WriteString(" " + rowJSON(pl.New))
	}

	for _, e := range pl.Errors {
		b.WriteString(" " + p.errc.Sprintf("[%s]", e))
	}
	return b.String()
}

func rowJSON(r live.Row) string {
	if r == nil {
		return "{}"
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(r))
	}
	return string(data)
}
