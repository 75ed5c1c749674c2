// internal/pgnotify/integration_test.go
package pgnotify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/markb/livefeed/internal/live"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres boots a throwaway PostgreSQL. Set LIVEFEED_PG_INTEGRATION=1 to run.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("LIVEFEED_PG_INTEGRATION") != "1" {
		t.Skip("set LIVEFEED_PG_INTEGRATION=1 to run against a real PostgreSQL")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:16-alpine",
		postgres.WithDatabase("app"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("pass"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:pass@%s:%s/app?sslmode=disable", host, port.Port())
}

func TestIntegrationTriggerToManager(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	db, err := OpenDB(dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE tasks (id serial PRIMARY KEY, title text, assignee_id int)`)
	require.NoError(t, err)
	require.NoError(t, InstallTrigger(ctx, db, "", "public", "tasks"))

	b, err := NewBackend(Options{DSN: dsn})
	require.NoError(t, err)
	m := live.NewManager(b, live.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer m.Cleanup()

	all := make(chan live.Payload, 8)
	mine := make(chan live.Payload, 8)
	_, err = m.AddListener("tasks", func(p live.Payload) { all <- p })
	require.NoError(t, err)
	_, err = m.AddListener("tasks:assignee_id=eq.42", func(p live.Payload) { mine <- p })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.Status("tasks") && m.Status("tasks:assignee_id=eq.42")
	}, 10*time.Second, 50*time.Millisecond)

	_, err = db.ExecContext(ctx, `INSERT INTO tasks (title, assignee_id) VALUES ('a', 7), ('b', 42)`)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case p := <-all:
			assert.Equal(t, live.KindInsert, p.Kind)
			assert.Equal(t, "tasks", p.Resource)
		case <-time.After(5 * time.Second):
			t.Fatalf("insert %d not delivered", i+1)
		}
	}

	select {
	case p := <-mine:
		assert.Equal(t, float64(42), p.New["assignee_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("filtered insert not delivered")
	}
	assert.Empty(t, mine)

	require.NoError(t, DropTrigger(ctx, db, "public", "tasks"))
}
