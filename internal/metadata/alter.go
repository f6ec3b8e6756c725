package metadata

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
)

// AlterSession is the open savepoint and PK snapshot begin_alter hands back
// to the caller; it must be passed to CommitAlter to close out the same
// savepoint (spec §4.5: "begin_alter opens a savepoint, snapshots the
// current PK columns, drops the capture triggers so raw SQL DDL may
// proceed").
type AlterSession struct {
	table      string
	tx         *sql.Tx
	snapshotPK []string
	savepoint  string
}

// BeginAlter implements spec §4.5's begin_alter(table_name): opens a named
// savepoint, snapshots the current PK column set from the inventory, and
// drops the table's capture triggers so the caller can run raw ALTER TABLE
// DDL without triggers firing mid-migration.
func (c *Core) BeginAlter(ctx context.Context, table string) (*AlterSession, error) {
	td, ok := c.Inventory.Describe(table)
	if !ok {
		return nil, cserr.Newf(cserr.Misuse, "metadata: begin_alter: unknown table %q", table)
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "metadata: begin_alter: opening transaction")
	}
	savepoint := "cloudsync_alter_" + table
	if _, err := tx.ExecContext(ctx, `SAVEPOINT `+quoteIdent(savepoint)); err != nil {
		tx.Rollback()
		return nil, cserr.Wrap(cserr.Storage, err, "metadata: begin_alter: opening savepoint")
	}
	if err := dropTriggersTx(ctx, tx, table); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &AlterSession{
		table:      table,
		tx:         tx,
		snapshotPK: append([]string(nil), td.PKColumnNames()...),
		savepoint:  savepoint,
	}, nil
}

// Tx exposes the open transaction so the caller can run its ALTER TABLE
// statements inside the same savepoint begin_alter opened.
func (s *AlterSession) Tx() *sql.Tx { return s.tx }

// Table returns the name of the table under alteration.
func (s *AlterSession) Table() string { return s.table }

// Abort rolls back everything begin_alter and the caller's DDL did.
func (s *AlterSession) Abort() error {
	err := s.tx.Rollback()
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: aborting alter session")
	}
	return nil
}

// CommitAlter implements spec §4.5's commit_alter(table_name): compares the
// post-DDL PK columns against the snapshot begin_alter took. If the PK set
// changed, the shadow relation is dropped and rebuilt from scratch (any
// pre-existing metadata is unrecoverable once the PK shape changes, since
// the shadow relation is keyed by the old PK encoding); otherwise shadow
// rows for removed columns are deleted, and shadow rows whose PK no longer
// matches any live user row are deleted too — except tombstones, which are
// preserved so delete propagation still works for rows the alter dropped.
// It then records pre_alter_dbversion and invalidates the statement cache
// (spec §4.9: "statements are rebuilt when commit_alter finishes").
func (c *Core) CommitAlter(ctx context.Context, s *AlterSession, newTD TableDescriptor) error {
	if newTD.Name != s.table {
		s.tx.Rollback()
		return cserr.Newf(cserr.Misuse, "metadata: commit_alter: table name mismatch %q vs %q", newTD.Name, s.table)
	}
	if err := newTD.Validate(); err != nil {
		s.tx.Rollback()
		return cserr.Wrap(cserr.Misuse, err, "metadata: commit_alter")
	}

	clock, err := (func() (int64, error) {
		var v sql.NullInt64
		err := s.tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(db_version), 0) FROM `+quoteIdent(ShadowName(s.table))).Scan(&v)
		if err != nil {
			return 0, cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: reading pre-alter db_version")
		}
		return v.Int64, nil
	})()
	if err != nil {
		s.tx.Rollback()
		return err
	}

	pkChanged := !stringsEqual(s.snapshotPK, newTD.PKColumnNames())
	if pkChanged {
		if _, err := s.tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(ShadowName(s.table))); err != nil {
			s.tx.Rollback()
			return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: dropping shadow relation")
		}
		if err := createShadowRelationTx(ctx, s.tx, newTD); err != nil {
			s.tx.Rollback()
			return err
		}
		if err := backfill(ctx, s.tx, newTD); err != nil {
			s.tx.Rollback()
			return err
		}
	} else {
		if err := pruneRemovedColumns(ctx, s.tx, s.table, newTD.DataColumnNames()); err != nil {
			s.tx.Rollback()
			return err
		}
		if err := pruneOrphanedPKs(ctx, s.tx, newTD); err != nil {
			s.tx.Rollback()
			return err
		}
	}

	if err := installTriggersTx(ctx, s.tx, newTD); err != nil {
		s.tx.Rollback()
		return err
	}
	if err := RecordTable(ctx, TxExecer{Tx: s.tx}, newTD); err != nil {
		s.tx.Rollback()
		return err
	}
	if err := SetSetting(ctx, TxExecer{Tx: s.tx}, SettingPreAlterDBVersion, strconv.FormatInt(clock, 10)); err != nil {
		s.tx.Rollback()
		return err
	}

	c.Inventory.Put(newTD)
	if err := c.recordSchemaHash(ctx, s.tx); err != nil {
		s.tx.Rollback()
		return err
	}
	if _, err := s.tx.ExecContext(ctx, `RELEASE `+quoteIdent(s.savepoint)); err != nil {
		s.tx.Rollback()
		return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: releasing savepoint")
	}
	if err := s.tx.Commit(); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: committing")
	}
	if c.Stmts != nil {
		return c.Stmts.Invalidate()
	}
	return nil
}

// pruneRemovedColumns deletes shadow rows for any col_name no longer among
// keep (the new data column set), leaving the sentinel untouched.
func pruneRemovedColumns(ctx context.Context, tx *sql.Tx, table string, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, c := range keep {
		keepSet[c] = true
	}
	shadow := ShadowName(table)
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT col_name FROM `+quoteIdent(shadow)+` WHERE col_name != ?`, TombstoneSentinel)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: listing shadow columns for "+table)
	}
	var stale []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			rows.Close()
			return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: scanning shadow column")
		}
		if !keepSet[col] {
			stale = append(stale, col)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: iterating shadow columns")
	}
	for _, col := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteIdent(shadow)+` WHERE col_name = ?`, col); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: pruning removed column "+col)
		}
	}
	return nil
}

// pruneOrphanedPKs deletes non-sentinel shadow rows whose pk no longer
// matches any live user row, leaving tombstones alone so delete
// propagation still reaches remote replicas for rows the ALTER removed
// (e.g. via a copy-table rename that dropped some rows outright).
func pruneOrphanedPKs(ctx context.Context, tx *sql.Tx, td TableDescriptor) error {
	shadow := ShadowName(td.Name)
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT pk FROM `+quoteIdent(shadow)+` WHERE col_name != ?`, TombstoneSentinel)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: listing shadow pks for "+td.Name)
	}
	var pks [][]byte
	for rows.Next() {
		var pk []byte
		if err := rows.Scan(&pk); err != nil {
			rows.Close()
			return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: scanning shadow pk")
		}
		pks = append(pks, pk)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: iterating shadow pks")
	}

	pkWhere := pkEqualsClause(td.PKColumnNames())
	for _, pk := range pks {
		args, err := pkcodec.BindInto(pk)
		if err != nil {
			return err
		}
		var one int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+quoteIdent(td.Name)+` WHERE `+pkWhere, args...).Scan(&one)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: checking orphaned pk for "+td.Name)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoteIdent(shadow)+` WHERE pk = ? AND col_name != ?`, pk, TombstoneSentinel); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: commit_alter: pruning orphaned pk for "+td.Name)
		}
	}
	return nil
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

