// internal/pgnotify/trigger.go
package pgnotify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/markb/livefeed/internal/log"
)

// notifyLimit is the largest payload pg_notify accepts, minus headroom.
const notifyLimit = 8000

// notifyFunctionSQL publishes a row change as JSON on the channel given as the
// trigger's first argument. Rows too large for NOTIFY are replaced by an error.
var notifyFunctionSQL = fmt.Sprintf(`CREATE OR REPLACE FUNCTION livefeed_notify() RETURNS trigger
LANGUAGE plpgsql AS $fn$
DECLARE
	payload text;
BEGIN
	payload := json_build_object(
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'commit_timestamp', now(),
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE row_to_json(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE row_to_json(OLD) END
	)::text;
	IF octet_length(payload) >= %d THEN
		payload := json_build_object(
			'schema', TG_TABLE_SCHEMA,
			'table', TG_TABLE_NAME,
			'type', TG_OP,
			'commit_timestamp', now(),
			'errors', json_build_array('payload exceeds notify limit')
		)::text;
	END IF;
	PERFORM pg_notify(TG_ARGV[0], payload);
	RETURN NULL;
END;
$fn$`, notifyLimit)

// TriggerName returns the name of the trigger installed on table.
func TriggerName(table string) string {
	name := "livefeed_notify_" + table
	if len(name) > maxIdentLen {
		name = name[:maxIdentLen]
	}
	return name
}

// InstallTriggerSQL returns the statements InstallTrigger runs after creating
// the notify function.
func InstallTriggerSQL(prefix, schema, table string) string {
	target := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
	trigger := pq.QuoteIdentifier(TriggerName(table))
	channel := pq.QuoteLiteral(NotifyChannel(prefix, schema, table))

	return fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s;
CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION livefeed_notify(%s)`, trigger, target, trigger, target, channel)
}

// DropTriggerSQL returns the statement DropTrigger runs.
func DropTriggerSQL(schema, table string) string {
	target := pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
	return fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", pq.QuoteIdentifier(TriggerName(table)), target)
}

// OpenDB opens a database/sql handle through lib/pq.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: open database: %w", err)
	}
	return db, nil
}

// InstallTrigger creates livefeed_notify() and a row trigger on schema.table
// publishing to NotifyChannel(prefix, schema, table).
func InstallTrigger(ctx context.Context, db *sql.DB, prefix, schema, table string) error {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgnotify: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, notifyFunctionSQL); err != nil {
		return fmt.Errorf("pgnotify: create notify function: %w", err)
	}
	if _, err := tx.ExecContext(ctx, InstallTriggerSQL(prefix, schema, table)); err != nil {
		return fmt.Errorf("pgnotify: create trigger on %s.%s: %w", schema, table, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("pgnotify: commit: %w", err)
	}

	log.Info("pgnotify: trigger installed", "schema", schema, "table", table,
		"channel", NotifyChannel(prefix, schema, table))
	return nil
}

// DropTrigger removes the row trigger from schema.table. The shared function is
// left in place.
func DropTrigger(ctx context.Context, db *sql.DB, schema, table string) error {
	if _, err := db.ExecContext(ctx, DropTriggerSQL(schema, table)); err != nil {
		return fmt.Errorf("pgnotify: drop trigger on %s.%s: %w", schema, table, err)
	}
	log.Info("pgnotify: trigger dropped", "schema", schema, "table", table)
	return nil
}
