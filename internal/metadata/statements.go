package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// Preparer is satisfied by *sql.DB and *sql.Tx.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// StatementCache lazily prepares and memoizes *sql.Stmt by an arbitrary key,
// implementing spec §4.9's "pre-compiled statements to avoid compiling SQL
// per row". It is invalidated wholesale when commit_alter finishes, per the
// same section.
type StatementCache struct {
	mu    sync.Mutex
	prep  Preparer
	stmts map[string]*sql.Stmt
}

func NewStatementCache(prep Preparer) *StatementCache {
	return &StatementCache{prep: prep, stmts: make(map[string]*sql.Stmt)}
}

// Get returns the cached statement for key, preparing it against query the
// first time it is requested.
func (c *StatementCache) Get(ctx context.Context, key, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stmts[key]; ok {
		return s, nil
	}
	s, err := c.prep.PrepareContext(ctx, query)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "metadata: preparing statement "+key)
	}
	c.stmts[key] = s
	return s, nil
}

// Invalidate closes every cached statement and clears the cache. Called
// once commit_alter finishes rewriting a table's shape (spec §4.9).
func (c *StatementCache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for k, s := range c.stmts {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = cserr.Wrap(cserr.Storage, err, "metadata: closing statement "+k)
		}
	}
	c.stmts = make(map[string]*sql.Stmt)
	if firstErr != nil {
		return firstErr
	}
	return nil
}

// TableStatements holds the per-table prepared statement set of spec §4.9:
// shadow-relation statements, user-table statements, and one merge-upsert /
// read-by-PK pair per non-PK column. BuildTableStatements prepares it
// through a StatementCache; nothing rebuilds it when the inventory's
// generation advances.
type TableStatements struct {
	Table string

	ColVersionLookup    *sql.Stmt // SELECT col_version FROM T_meta WHERE pk=? AND col_name=?
	SentinelUpsert      *sql.Stmt // INSERT ... ON CONFLICT(pk,col_name) DO UPDATE (col_name = sentinel)
	DropNonSentinel     *sql.Stmt // DELETE FROM T_meta WHERE pk=? AND col_name != sentinel
	SelectNonSentinel   *sql.Stmt // SELECT col_name, col_version FROM T_meta WHERE pk=? AND col_name != sentinel
	WinnerClockRecord   *sql.Stmt // upsert a (pk,col_name) shadow row from an incoming winner
	MergeDeleteByPK     *sql.Stmt // DELETE FROM "table" WHERE pk columns = ?
	MergeSentinelInsert *sql.Stmt // INSERT INTO "table"(pk cols) VALUES (...) ON CONFLICT DO NOTHING

	ColumnUpsert map[string]*sql.Stmt // per data column: UPDATE "table" SET col=? WHERE pk = ?
	ColumnRead   map[string]*sql.Stmt // per data column: SELECT col FROM "table" WHERE pk = ?
}

// BuildTableStatements prepares the full statement set for td against cache.
func BuildTableStatements(ctx context.Context, cache *StatementCache, td TableDescriptor) (*TableStatements, error) {
	shadow := ShadowName(td.Name)
	pkWhere := pkEqualsClause(td.PKColumnNames())

	ts := &TableStatements{
		Table:        td.Name,
		ColumnUpsert: make(map[string]*sql.Stmt, len(td.DataColumns)),
		ColumnRead:   make(map[string]*sql.Stmt, len(td.DataColumns)),
	}

	var err error
	ts.ColVersionLookup, err = cache.Get(ctx, td.Name+"|col_version",
		`SELECT col_version FROM `+quoteIdent(shadow)+` WHERE pk = ? AND col_name = ?`)
	if err != nil {
		return nil, err
	}
	ts.SentinelUpsert, err = cache.Get(ctx, td.Name+"|sentinel_upsert",
		`INSERT INTO `+quoteIdent(shadow)+`(pk, col_name, col_version, db_version, site_id, seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pk, col_name) DO UPDATE SET
		   col_version = excluded.col_version, db_version = excluded.db_version,
		   site_id = excluded.site_id, seq = excluded.seq`)
	if err != nil {
		return nil, err
	}
	ts.DropNonSentinel, err = cache.Get(ctx, td.Name+"|drop_non_sentinel",
		`DELETE FROM `+quoteIdent(shadow)+` WHERE pk = ? AND col_name != ?`)
	if err != nil {
		return nil, err
	}
	ts.SelectNonSentinel, err = cache.Get(ctx, td.Name+"|select_non_sentinel",
		`SELECT col_name, col_version FROM `+quoteIdent(shadow)+` WHERE pk = ? AND col_name != ?`)
	if err != nil {
		return nil, err
	}
	ts.WinnerClockRecord, err = cache.Get(ctx, td.Name+"|winner_clock",
		`INSERT INTO `+quoteIdent(shadow)+`(pk, col_name, col_version, db_version, site_id, seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pk, col_name) DO UPDATE SET
		   col_version = excluded.col_version, db_version = excluded.db_version,
		   site_id = excluded.site_id, seq = excluded.seq`)
	if err != nil {
		return nil, err
	}
	ts.MergeDeleteByPK, err = cache.Get(ctx, td.Name+"|merge_delete",
		`DELETE FROM `+quoteIdent(td.Name)+` WHERE `+pkWhere)
	if err != nil {
		return nil, err
	}
	ts.MergeSentinelInsert, err = cache.Get(ctx, td.Name+"|merge_sentinel_insert",
		fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s) ON CONFLICT DO NOTHING`,
			quoteIdent(td.Name), columnList(td.PKColumnNames()), placeholders(len(td.PKColumns))))
	if err != nil {
		return nil, err
	}

	for _, col := range td.DataColumnNames() {
		ts.ColumnUpsert[col], err = cache.Get(ctx, td.Name+"|col_upsert|"+col,
			fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s`, quoteIdent(td.Name), quoteIdent(col), pkWhere))
		if err != nil {
			return nil, err
		}
		ts.ColumnRead[col], err = cache.Get(ctx, td.Name+"|col_read|"+col,
			fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, quoteIdent(col), quoteIdent(td.Name), pkWhere))
		if err != nil {
			return nil, err
		}
	}
	return ts, nil
}

func pkEqualsClause(pkCols []string) string {
	clause := ""
	for i, c := range pkCols {
		if i > 0 {
			clause += " AND "
		}
		clause += quoteIdent(c) + " = ?"
	}
	return clause
}

func columnList(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += quoteIdent(c)
	}
	return out
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}
