package sqlhost

import (
	"context"
	"database/sql"

	"github.com/ncruces/go-sqlite3"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
)

// rawExec is the reentrant-safe metadata.Execer spec §5's capture triggers
// need. Every cloudsync_emit_insert/update/delete, db_version_next, and
// set_merge_equal_values SQL function, and every merge_insert driven by the
// changes vtab's xUpdate, runs synchronously from inside a statement that
// already holds the pool's one connection (Open caps the database to
// SetMaxOpenConns(1) so every registered function and the vtab share a
// single connection's state). Routing their writes back through *sql.DB
// would try to check that same connection out of the pool a second time,
// which can never succeed since nothing will free it until the outer
// statement returns — database/sql's pool checkout is not reentrant. rawExec
// instead runs directly against the raw *sqlite3.Conn captured once at
// registration time, which SQLite itself permits: a connection may run
// additional statements from within a callback invoked synchronously during
// another statement's evaluation, since it is the same C-level connection
// object throughout (borrowRawConn in host.go captures the handle).
type rawExec struct {
	raw *sqlite3.Conn
}

func (e rawExec) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	stmt, _, err := e.raw.Prepare(query)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: preparing raw statement")
	}
	defer stmt.Close()
	if err := bindRawArgs(stmt, args); err != nil {
		return nil, err
	}
	if _, err := stmt.Step(); err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: executing raw statement")
	}
	return rawResult{raw: e.raw}, nil
}

func (e rawExec) QueryRowContext(_ context.Context, query string, args ...any) metadata.RowScanner {
	stmt, _, err := e.raw.Prepare(query)
	if err != nil {
		return rawErrRow{err: cserr.Wrap(cserr.Storage, err, "sqlhost: preparing raw statement")}
	}
	if err := bindRawArgs(stmt, args); err != nil {
		stmt.Close()
		return rawErrRow{err: err}
	}
	has, err := stmt.Step()
	if err != nil {
		stmt.Close()
		return rawErrRow{err: cserr.Wrap(cserr.Storage, err, "sqlhost: stepping raw statement")}
	}
	if !has {
		stmt.Close()
		return rawErrRow{err: sql.ErrNoRows}
	}
	return &rawRow{stmt: stmt}
}

func (e rawExec) QueryContext(_ context.Context, query string, args ...any) (metadata.Rows, error) {
	stmt, _, err := e.raw.Prepare(query)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: preparing raw statement")
	}
	if err := bindRawArgs(stmt, args); err != nil {
		stmt.Close()
		return nil, err
	}
	return &rawRows{stmt: stmt}, nil
}

// rawResult reports the raw connection's own last-insert-rowid/changes
// counters rather than anything carried on the prepared statement, matching
// how database/sql's own sql.Result is populated from the same per-connection
// counters under the hood.
type rawResult struct {
	raw *sqlite3.Conn
}

func (r rawResult) LastInsertId() (int64, error) { return r.raw.LastInsertRowID(), nil }
func (r rawResult) RowsAffected() (int64, error) { return r.raw.Changes(), nil }

// rawRow scans the single already-stepped row a Prepare+Step left positioned
// on stmt, then closes it; it is used exactly once per QueryRowContext call,
// mirroring *sql.Row's single-use contract.
type rawRow struct {
	stmt *sqlite3.Stmt
}

func (r *rawRow) Scan(dest ...any) error {
	defer r.stmt.Close()
	return scanRawColumns(r.stmt, dest)
}

// rawErrRow defers a Prepare/bind/Step failure (including "no rows") to the
// eventual Scan call, matching *sql.Row's own deferred-error contract.
type rawErrRow struct{ err error }

func (r rawErrRow) Scan(dest ...any) error { return r.err }

// rawRows adapts a prepared, parameter-bound statement to metadata.Rows,
// stepping it once per Next call.
type rawRows struct {
	stmt *sqlite3.Stmt
	err  error
}

func (r *rawRows) Next() bool {
	if r.err != nil {
		return false
	}
	has, err := r.stmt.Step()
	if err != nil {
		r.err = err
		return false
	}
	return has
}

func (r *rawRows) Scan(dest ...any) error { return scanRawColumns(r.stmt, dest) }
func (r *rawRows) Err() error             { return r.err }
func (r *rawRows) Close() error           { return r.stmt.Close() }

// bindRawArgs binds positional parameters the same way database/sql binds
// driver.Value arguments, covering the value shapes this package's own
// queries actually pass (int64-convertible integers, strings, byte slices,
// and nil); anything else is a programming error in a caller's query.
func bindRawArgs(stmt *sqlite3.Stmt, args []any) error {
	for i, a := range args {
		idx := i + 1
		switch v := a.(type) {
		case nil:
			stmt.BindNull(idx)
		case int64:
			stmt.BindInt64(idx, v)
		case int:
			stmt.BindInt64(idx, int64(v))
		case int32:
			stmt.BindInt64(idx, int64(v))
		case float64:
			stmt.BindFloat(idx, v)
		case string:
			stmt.BindText(idx, v)
		case []byte:
			stmt.BindBlob(idx, v)
		case bool:
			if v {
				stmt.BindInt64(idx, 1)
			} else {
				stmt.BindInt64(idx, 0)
			}
		default:
			return cserr.Newf(cserr.Misuse, "sqlhost: raw executor cannot bind argument of type %T", a)
		}
	}
	return nil
}

// scanRawColumns copies stmt's current row into dest, covering the
// destination shapes this package's own Execer callers actually use:
// *int64, *int32, *string, *[]byte, *sql.NullInt64, *sql.NullString, and
// *any for callers that need the column's native dynamic type.
func scanRawColumns(stmt *sqlite3.Stmt, dest []any) error {
	for i, d := range dest {
		switch target := d.(type) {
		case *int64:
			*target = stmt.ColumnInt64(i)
		case *int32:
			*target = int32(stmt.ColumnInt64(i))
		case *string:
			*target = stmt.ColumnText(i)
		case *[]byte:
			*target = stmt.ColumnBlob(i, nil)
		case *sql.NullInt64:
			if stmt.ColumnType(i) == sqlite3.NULL {
				*target = sql.NullInt64{}
			} else {
				*target = sql.NullInt64{Int64: stmt.ColumnInt64(i), Valid: true}
			}
		case *sql.NullString:
			if stmt.ColumnType(i) == sqlite3.NULL {
				*target = sql.NullString{}
			} else {
				*target = sql.NullString{String: stmt.ColumnText(i), Valid: true}
			}
		case *any:
			*target = rawColumnValue(stmt, i)
		default:
			return cserr.Newf(cserr.Misuse, "sqlhost: raw executor cannot scan into %T", d)
		}
	}
	return nil
}

func rawColumnValue(stmt *sqlite3.Stmt, i int) any {
	switch stmt.ColumnType(i) {
	case sqlite3.NULL:
		return nil
	case sqlite3.INTEGER:
		return stmt.ColumnInt64(i)
	case sqlite3.FLOAT:
		return stmt.ColumnFloat(i)
	case sqlite3.TEXT:
		return stmt.ColumnText(i)
	default:
		return stmt.ColumnBlob(i, nil)
	}
}

// rawMaxObserver is clock.MaxObserver backed by the same raw connection
// rawExec uses, so Clock.Next can be called from within db_version_next and
// the emit_* functions without re-entering the connection pool. It mirrors
// clock.SQLMaxObserver's caching (one prepared UNION statement, rebuilt
// whenever SetTables changes the shadow relation list) against the raw
// connection instead of a pooled *sql.DB.
type rawMaxObserver struct {
	raw    *sqlite3.Conn
	stmt   *sqlite3.Stmt
	tables []string
}

func newRawMaxObserver(raw *sqlite3.Conn) *rawMaxObserver { return &rawMaxObserver{raw: raw} }

func (o *rawMaxObserver) SetTables(tables []string) {
	if o.stmt != nil {
		o.stmt.Close()
		o.stmt = nil
	}
	o.tables = append([]string(nil), tables...)
}

func (o *rawMaxObserver) MaxDBVersion(context.Context) (int64, error) {
	if len(o.tables) == 0 {
		return 0, nil
	}
	if o.stmt == nil {
		stmt, _, err := o.raw.Prepare(rawMaxVersionUnionQuery(o.tables))
		if err != nil {
			return 0, cserr.Wrap(cserr.Storage, err, "sqlhost: preparing raw max db_version union")
		}
		o.stmt = stmt
	} else if err := o.stmt.Reset(); err != nil {
		return 0, cserr.Wrap(cserr.Storage, err, "sqlhost: resetting raw max db_version union")
	}
	has, err := o.stmt.Step()
	if err != nil {
		return 0, cserr.Wrap(cserr.Storage, err, "sqlhost: stepping raw max db_version union")
	}
	if !has {
		return 0, nil
	}
	return o.stmt.ColumnInt64(0), nil
}

// rawMaxVersionUnionQuery mirrors clock.SQLMaxObserver's own UNION-of-MAX
// query text (kept in step with it manually since that type's query builder
// is unexported and clock.go is otherwise left untouched: its MaxObserver
// remains usable stand-alone against a plain *sql.DB for tests).
func rawMaxVersionUnionQuery(tables []string) string {
	query := ""
	for i, t := range tables {
		if i > 0 {
			query += " UNION ALL "
		}
		query += `SELECT COALESCE(MAX(db_version), 0) AS m FROM "` + t + `"`
	}
	return "SELECT COALESCE(MAX(m), 0) FROM (" + query + ")"
}
