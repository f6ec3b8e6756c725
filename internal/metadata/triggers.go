package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// Trigger names follow spec §4.3 exactly so a reader of the live schema can
// match them back to the spec.
func triggerName(kind, table string) string { return kind + "_" + table }

// emitInsertTrigger, emitUpdateTrigger, emitDeleteTrigger call into the
// cloudsync_emit_* scalar SQL functions (registered by internal/sqlhost)
// with a leading (table, npk[, ndata]) header so the Go side can split the
// flattened NEW/OLD argument list back into PK and data columns without the
// trigger needing to name them individually in Go.
//
// Every trigger is guarded by cloudsync_is_sync(table) = 0 (spec §4.3): it
// must not fire while the merge engine is applying remote changes, nor
// while the table's sync is administratively disabled.
func emitInsertTrigger(td TableDescriptor) string {
	pkRefs := prefixedRefs("NEW", td.PKColumnNames())
	return fmt.Sprintf(`
		CREATE TRIGGER %q AFTER INSERT ON %q
		WHEN cloudsync_is_sync(%s) = 0
		BEGIN
			SELECT cloudsync_emit_insert(%s, %d%s);
		END`,
		triggerName("after_insert", td.Name), td.Name,
		sqlQuote(td.Name),
		sqlQuote(td.Name), len(td.PKColumns), commaPrefixed(pkRefs))
}

func emitUpdateTrigger(td TableDescriptor) string {
	newPK := prefixedRefs("NEW", td.PKColumnNames())
	oldPK := prefixedRefs("OLD", td.PKColumnNames())
	newData := prefixedRefs("NEW", td.DataColumnNames())
	oldData := prefixedRefs("OLD", td.DataColumnNames())
	return fmt.Sprintf(`
		CREATE TRIGGER %q AFTER UPDATE ON %q
		WHEN cloudsync_is_sync(%s) = 0
		BEGIN
			SELECT cloudsync_emit_update(%s, %d, %d%s%s%s%s);
		END`,
		triggerName("after_update", td.Name), td.Name,
		sqlQuote(td.Name),
		sqlQuote(td.Name), len(td.PKColumns), len(td.DataColumns),
		commaPrefixed(newPK), commaPrefixed(oldPK), commaPrefixed(newData), commaPrefixed(oldData))
}

func emitDeleteTrigger(td TableDescriptor) string {
	oldPK := prefixedRefs("OLD", td.PKColumnNames())
	return fmt.Sprintf(`
		CREATE TRIGGER %q AFTER DELETE ON %q
		WHEN cloudsync_is_sync(%s) = 0
		BEGIN
			SELECT cloudsync_emit_delete(%s, %d%s);
		END`,
		triggerName("after_delete", td.Name), td.Name,
		sqlQuote(td.Name),
		sqlQuote(td.Name), len(td.PKColumns), commaPrefixed(oldPK))
}

// gosGuardTriggers implements the GOS rejection rule of spec §3/§4.3/§8:
// every UPDATE/DELETE against a GOS table fails with a misuse error before
// it runs. The UPDATE guard is skipped while cloudsync_is_sync(table) = 1,
// so the merge engine's column upsert (whose DO UPDATE branch fires UPDATE
// triggers) can touch the row; that condition also holds while the table's
// sync is administratively disabled. The DELETE guard is unconditional.
func gosGuardTriggers(td TableDescriptor) []string {
	return []string{
		fmt.Sprintf(`
			CREATE TRIGGER %q BEFORE UPDATE ON %q
			WHEN cloudsync_is_sync(%s) = 0
			BEGIN
				SELECT RAISE(ABORT, 'cloudsync: table %s uses the GOS algorithm and does not support UPDATE');
			END`, triggerName("before_update", td.Name), td.Name, sqlQuote(td.Name), td.Name),
		fmt.Sprintf(`
			CREATE TRIGGER %q BEFORE DELETE ON %q
			BEGIN
				SELECT RAISE(ABORT, 'cloudsync: table %s uses the GOS algorithm and does not support DELETE');
			END`, triggerName("before_delete", td.Name), td.Name, td.Name),
	}
}

// InstallTriggers creates every capture trigger for td per its algorithm
// (spec §4.3).
func InstallTriggers(ctx context.Context, db *sql.DB, td TableDescriptor) error {
	stmts := []string{emitInsertTrigger(td)}
	if td.Algo == AlgoGOS {
		stmts = append(stmts, gosGuardTriggers(td)...)
	} else {
		stmts = append(stmts, emitUpdateTrigger(td), emitDeleteTrigger(td))
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: installing trigger for "+td.Name)
		}
	}
	return nil
}

// DropTriggers drops every capture trigger that might exist for table,
// regardless of algorithm (cleanup() must be idempotent across an algorithm
// change).
func DropTriggers(ctx context.Context, db *sql.DB, table string) error {
	names := []string{
		triggerName("after_insert", table),
		triggerName("after_update", table),
		triggerName("after_delete", table),
		triggerName("before_update", table),
		triggerName("before_delete", table),
	}
	for _, n := range names {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS %q`, n)); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: dropping trigger "+n)
		}
	}
	return nil
}

func prefixedRefs(prefix string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("%s.%s", prefix, quoteIdent(c))
	}
	return out
}

func commaPrefixed(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	return ", " + strings.Join(refs, ", ")
}

func quoteIdent(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }

func sqlQuote(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }
