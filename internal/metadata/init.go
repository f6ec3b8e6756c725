package metadata

import (
	"context"
	"database/sql"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
)

// Core bundles the per-connection collaborators that init/cleanup/alter
// need: the live connection, the table inventory they mutate, the schema
// hash registry, and the statement cache to invalidate on shape changes.
type Core struct {
	DB        *sql.DB
	Inventory *Inventory
	Schema    *SchemaRegistry
	Stmts     *StatementCache
}

// Init implements spec §4.5's init(table_name, algo?, force_int_pk?): it
// validates the table, creates its shadow relation and triggers, backfills
// shadow metadata for pre-existing rows, records the table and its
// algorithm, and updates the schema-hash registry. It brackets its effects
// with a named savepoint per spec §5's transactional discipline and rolls
// back on any failure.
func (c *Core) Init(ctx context.Context, td TableDescriptor) error {
	if err := td.Validate(); err != nil {
		return cserr.Wrap(cserr.Misuse, err, "metadata: init")
	}

	if err := PersistTableList(ctx, c.DB); err != nil {
		return err
	}
	return c.withSavepoint(ctx, "cloudsync_init", func(tx *sql.Tx) error {
		if err := createShadowRelationTx(ctx, tx, td); err != nil {
			return err
		}
		if err := installTriggersTx(ctx, tx, td); err != nil {
			return err
		}
		if err := RecordTable(ctx, TxExecer{Tx: tx}, td); err != nil {
			return err
		}
		if err := backfill(ctx, tx, td); err != nil {
			return err
		}
		c.Inventory.Put(td)
		return c.recordSchemaHash(ctx, tx)
	})
}

// backfill implements spec §4.5 step 4: every user row lacking shadow
// metadata gets a fresh tombstone entry and one column entry per non-PK
// column, all at col_version=1 and the fixed db_version 1, so the whole
// backfill is one logical point in time.
func backfill(ctx context.Context, tx *sql.Tx, td TableDescriptor) error {
	const backfillDBVersion = 1

	cols := td.AllColumnNames()
	colList := columnList(cols)
	rows, err := tx.QueryContext(ctx, `SELECT `+colList+` FROM `+quoteIdent(td.Name))
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: scanning user rows to backfill "+td.Name)
	}
	defer rows.Close()

	scanBuf := make([]any, len(cols))
	scanTargets := make([]any, len(cols))
	for i := range scanTargets {
		scanTargets[i] = &scanBuf[i]
	}

	var pkRows [][]byte
	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: scanning row to backfill "+td.Name)
		}
		pk, err := pkcodec.Encode(pkcodec.FromSQLRow(scanBuf[:len(td.PKColumns)]))
		if err != nil {
			return err
		}
		pkRows = append(pkRows, pk)
	}
	if err := rows.Err(); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: iterating rows to backfill "+td.Name)
	}

	shadow := ShadowName(td.Name)
	for _, pk := range pkRows {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM `+quoteIdent(shadow)+` WHERE pk = ? AND col_name = ?`,
			pk, TombstoneSentinel).Scan(&exists)
		if err == nil {
			continue // already has shadow metadata; never overwrite a live tombstone on backfill
		}
		if err != sql.ErrNoRows {
			return cserr.Wrap(cserr.Storage, err, "metadata: checking backfill existence for "+td.Name)
		}
		if err := insertShadowRow(ctx, tx, shadow, pk, TombstoneSentinel, 1, backfillDBVersion); err != nil {
			return err
		}
		for _, col := range td.DataColumnNames() {
			if err := insertShadowRow(ctx, tx, shadow, pk, col, 1, backfillDBVersion); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertShadowRow(ctx context.Context, tx *sql.Tx, shadow string, pk []byte, col string, version, dbv int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO `+quoteIdent(shadow)+`(pk, col_name, col_version, db_version, site_id, seq)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		pk, col, version, dbv, LocalIndex, 0)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: backfilling shadow row")
	}
	return nil
}

// Cleanup implements spec §4.5's cleanup(table_name | *): drops the shadow
// relation, drops all capture triggers, and clears per-table settings. A
// bare "*" clears every currently-registered table.
func (c *Core) Cleanup(ctx context.Context, table string) error {
	tables := []string{table}
	if table == "*" {
		tables = nil
		for _, td := range c.Inventory.Tables() {
			tables = append(tables, td.Name)
		}
	}
	return c.withSavepoint(ctx, "cloudsync_cleanup", func(tx *sql.Tx) error {
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdent(ShadowName(t))); err != nil {
				return cserr.Wrap(cserr.Storage, err, "metadata: dropping shadow relation for "+t)
			}
			if err := dropTriggersTx(ctx, tx, t); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM table_settings WHERE tbl = ?`, t); err != nil {
				return cserr.Wrap(cserr.Storage, err, "metadata: clearing table settings for "+t)
			}
			if err := ForgetTable(ctx, TxExecer{Tx: tx}, t); err != nil {
				return err
			}
			c.Inventory.Remove(t)
		}
		return c.recordSchemaHash(ctx, tx)
	})
}

// SetTableEnabled persists a table's administrative enable/disable state
// (spec §6 enable(table)/disable(table)). Absence of the key means enabled.
func (c *Core) SetTableEnabled(ctx context.Context, table string, enabled bool) error {
	value := "1"
	if !enabled {
		value = "0"
	}
	return SetTableSetting(ctx, DBExecer{DB: c.DB}, table, TableSettingEnabled, value)
}

// IsTableEnabled reads a table's administrative enable/disable state;
// absence of the setting means enabled.
func (c *Core) IsTableEnabled(ctx context.Context, table string) (bool, error) {
	value, ok, err := GetTableSetting(ctx, c.DB, table, TableSettingEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return value != "0", nil
}

func (c *Core) recordSchemaHash(ctx context.Context, tx *sql.Tx) error {
	hash := SchemaHash(c.Inventory.Tables())
	return c.Schema.Record(ctx, TxExecer{Tx: tx}, hash)
}

// withSavepoint implements spec §5's bracketing rule: init, cleanup,
// begin_alter/commit_alter, and logout each run inside a named savepoint
// and roll back on any failure path.
func (c *Core) withSavepoint(ctx context.Context, name string, fn func(tx *sql.Tx) error) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: beginning "+name)
	}
	if _, err := tx.ExecContext(ctx, `SAVEPOINT `+name); err != nil {
		tx.Rollback()
		return cserr.Wrap(cserr.Storage, err, "metadata: opening savepoint "+name)
	}
	if err := fn(tx); err != nil {
		tx.ExecContext(ctx, `ROLLBACK TO `+name)
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE `+name); err != nil {
		tx.Rollback()
		return cserr.Wrap(cserr.Storage, err, "metadata: releasing savepoint "+name)
	}
	return tx.Commit()
}

func createShadowRelationTx(ctx context.Context, tx *sql.Tx, td TableDescriptor) error {
	name := ShadowName(td.Name)
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+quoteIdent(name)+` (
			pk          BLOB NOT NULL,
			col_name    TEXT NOT NULL,
			col_version INTEGER NOT NULL,
			db_version  INTEGER NOT NULL,
			site_id     INTEGER NOT NULL DEFAULT 0,
			seq         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (pk, col_name)
		) WITHOUT ROWID`)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating shadow relation "+name)
	}
	_, err = tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS `+quoteIdent(name+"_dbversion_idx")+` ON `+quoteIdent(name)+` (db_version)`)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating shadow db_version index for "+name)
	}
	return nil
}

func installTriggersTx(ctx context.Context, tx *sql.Tx, td TableDescriptor) error {
	stmts := []string{emitInsertTrigger(td)}
	if td.Algo == AlgoGOS {
		stmts = append(stmts, gosGuardTriggers(td)...)
	} else {
		stmts = append(stmts, emitUpdateTrigger(td), emitDeleteTrigger(td))
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: installing trigger for "+td.Name)
		}
	}
	return nil
}

func dropTriggersTx(ctx context.Context, tx *sql.Tx, table string) error {
	names := []string{
		triggerName("after_insert", table),
		triggerName("after_update", table),
		triggerName("after_delete", table),
		triggerName("before_update", table),
		triggerName("before_delete", table),
	}
	for _, n := range names {
		if _, err := tx.ExecContext(ctx, `DROP TRIGGER IF EXISTS `+quoteIdent(n)); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: dropping trigger "+n)
		}
	}
	return nil
}
