package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/markb/livefeed/internal/config"
	"github.com/markb/livefeed/internal/live"
	"github.com/markb/livefeed/internal/realtime"
	"github.com/markb/livefeed/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetFlags(rootCmd)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags undoes flag values left by a previous Execute.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestKeysGenerate(t *testing.T) {
	t.Setenv("LIVEFEED_JWT_SECRET", "test-secret-key-min-32-characters")

	out, err := runRoot(t, "keys", "generate", "--ttl", "1h")
	require.NoError(t, err)

	keys := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, "=")
		require.True(t, ok, "unexpected line %q", line)
		keys[k] = v
	}

	role, err := realtime.ParseRole("test-secret-key-min-32-characters", keys["LIVEFEED_ANON_KEY"])
	require.NoError(t, err)
	assert.Equal(t, realtime.RoleAnon, role)

	role, err = realtime.ParseRole("test-secret-key-min-32-characters", keys["LIVEFEED_SERVICE_KEY"])
	require.NoError(t, err)
	assert.Equal(t, realtime.RoleServiceRole, role)
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("LIVEFEED_LOG_LEVEL", "warn")
	t.Setenv("LIVEFEED_BACKEND", "postgres")
	t.Setenv("LIVEFEED_JWT_SECRET", "s")

	_, err := runRoot(t, "keys", "generate", "--log-level", "debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, config.BackendPostgres, cfg.Backend)
}

func TestMalformedEnvFails(t *testing.T) {
	t.Setenv("LIVEFEED_CLEANUP_DELAY", "soon")
	_, err := runRoot(t, "keys", "generate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIVEFEED_CLEANUP_DELAY")
}

func TestTriggerRejectsFilters(t *testing.T) {
	_, err := runRoot(t, "trigger", "install", "tasks:id=eq.1", "--dsn", "postgres://unused")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drop the filter")

	_, err = runRoot(t, "trigger", "drop", "no such!", "--dsn", "postgres://unused")
	assert.ErrorIs(t, err, live.ErrInvalidResource)
}

func TestResolveAPIKey(t *testing.T) {
	key, err := resolveAPIKey(config.RealtimeConfig{APIKey: "given", JWTSecret: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "given", key)

	key, err = resolveAPIKey(config.RealtimeConfig{JWTSecret: "secret", Role: realtime.RoleServiceRole})
	require.NoError(t, err)
	role, err := realtime.ParseRole("secret", key)
	require.NoError(t, err)
	assert.Equal(t, realtime.RoleServiceRole, role)

	_, err = resolveAPIKey(config.RealtimeConfig{})
	assert.Error(t, err)
}

func TestBuildBackend(t *testing.T) {
	c := config.Default()
	c.Realtime.APIKey = "anon"
	b, closer, err := buildBackend(c)
	require.NoError(t, err)
	assert.IsType(t, &realtime.Backend{}, b)
	assert.NoError(t, closer.Close())

	c.Backend = config.BackendPostgres
	c.Postgres.DSN = "postgres://localhost/app"
	b, closer, err = buildBackend(c)
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.NoError(t, closer.Close())

	c.Backend = "kafka"
	_, _, err = buildBackend(c)
	assert.Error(t, err)
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds([]string{"insert", " DELETE "})
	require.NoError(t, err)
	assert.Equal(t, map[live.Kind]bool{live.KindInsert: true, live.KindDelete: true}, kinds)

	kinds, err = parseKinds(nil)
	require.NoError(t, err)
	assert.Nil(t, kinds)

	_, err = parseKinds([]string{"TRUNCATE"})
	assert.Error(t, err)
}

func TestPrinterText(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, false, true, nil, 0)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	p.print(live.Payload{Resource: "tasks", Kind: live.KindInsert, New: live.Row{"id": 1}, CommitTimestamp: ts})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindUpdate, Old: live.Row{"done": false}, New: live.Row{"done": true}})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindDelete, Old: live.Row{"id": 2}})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindResync})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindUpdate, Errors: []string{"payload exceeds notify limit"}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, `10:00:00.000 INSERT tasks {"id":1}`, lines[0])
	assert.Equal(t, `UPDATE tasks {"done":false} -> {"done":true}`, lines[1])
	assert.Equal(t, `DELETE tasks {"id":2}`, lines[2])
	assert.Equal(t, `RESYNC tasks reconnected, refetch current rows`, lines[3])
	assert.Equal(t, `UPDATE tasks {} [payload exceeds notify limit]`, lines[4])
}

func TestPrinterJSONFilterAndLimit(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, true, false, map[live.Kind]bool{live.KindInsert: true}, 2)

	p.print(live.Payload{Resource: "tasks", Kind: live.KindDelete, Old: live.Row{"id": 1}})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindInsert, New: live.Row{"id": 2}})
	select {
	case <-p.done:
		t.Fatal("done before limit")
	default:
	}
	p.print(live.Payload{Resource: "tasks", Kind: live.KindInsert, New: live.Row{"id": 3}})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindInsert, New: live.Row{"id": 4}})

	<-p.done
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"resource":"tasks","kind":"INSERT","new":{"id":2}}`, lines[0])
	assert.JSONEq(t, `{"resource":"tasks","kind":"INSERT","new":{"id":3}}`, lines[1])
}

type failingWriter struct{ writes int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.writes++
	return 0, errors.New("broken pipe")
}

func TestPrinterStopsOnWriteError(t *testing.T) {
	w := &failingWriter{}
	p := newPrinter(w, true, true, nil, 0)

	p.print(live.Payload{Resource: "tasks", Kind: live.KindInsert, New: live.Row{"id": 1}})
	p.print(live.Payload{Resource: "tasks", Kind: live.KindInsert, New: live.Row{"id": 2}})

	select {
	case <-p.done:
	default:
		t.Fatal("printer kept running after a failed write")
	}
	assert.Equal(t, 1, w.writes, "nothing written after the first failure")
	require.Error(t, p.Err())
	assert.Contains(t, p.Err().Error(), "broken pipe")
}

func TestStatusAgainstServer(t *testing.T) {
	conns := []live.ConnectionInfo{
		{Resource: "tasks", Connected: true, Listeners: 2},
		{Resource: "notes", Abandoned: true, ReconnectAttempts: 3},
	}
	srv := server.New(server.InspectorFunc(func() []live.ConnectionInfo { return conns }), server.Config{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	got, err := fetchConnections(context.Background(), strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)
	assert.Equal(t, conns, got)

	var out bytes.Buffer
	printConnections(&out, got)
	assert.Contains(t, out.String(), "RESOURCE")
	assert.Contains(t, out.String(), "abandoned")
	assert.Contains(t, out.String(), "connected")

	out.Reset()
	printConnections(&out, nil)
	assert.Equal(t, "No connections.\n", out.String())
}
