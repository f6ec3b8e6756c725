package metadata

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// CreateShadowRelation creates the T_meta relation and its db_version index
// for td, if absent (spec §3, §4.5 step 2). The relation has no rowid; it
// is keyed by (pk, col_name) as spec requires.
func CreateShadowRelation(ctx context.Context, db *sql.DB, td TableDescriptor) error {
	name := ShadowName(td.Name)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			pk          BLOB NOT NULL,
			col_name    TEXT NOT NULL,
			col_version INTEGER NOT NULL,
			db_version  INTEGER NOT NULL,
			site_id     INTEGER NOT NULL DEFAULT 0,
			seq         INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (pk, col_name)
		) WITHOUT ROWID`, name)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating shadow relation "+name)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (db_version)`, name+"_dbversion_idx", name)
	if _, err := db.ExecContext(ctx, idx); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating shadow db_version index for "+name)
	}
	return nil
}

// DropShadowRelation drops T_meta, used by cleanup() and by commit_alter
// when the PK set changed (spec §4.5).
func DropShadowRelation(ctx context.Context, db *sql.DB, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, ShadowName(table)))
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: dropping shadow relation")
	}
	return nil
}

// EnsureSettingsTables creates the settings and table_settings relations of
// spec §6 "Persisted relations" if absent.
func EnsureSettingsTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS table_settings (
			tbl   TEXT NOT NULL,
			col   TEXT,
			key   TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (tbl, key)
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return cserr.Wrap(cserr.Storage, err, "metadata: creating settings tables")
		}
	}
	return nil
}

// SetSetting upserts a key in the settings relation.
func SetSetting(ctx context.Context, execer Execer, key, value string) error {
	_, err := execer.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: writing setting "+key)
	}
	return nil
}

// GetSetting reads a key from the settings relation; ok is false if absent.
func GetSetting(ctx context.Context, db *sql.DB, key string) (value string, ok bool, err error) {
	row := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	if scanErr := row.Scan(&value); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, cserr.Wrap(cserr.Storage, scanErr, "metadata: reading setting "+key)
	}
	return value, true, nil
}

// SetTableSetting upserts a per-table option (spec's table_settings(tbl,
// col, key, value)).
func SetTableSetting(ctx context.Context, execer Execer, table, key, value string) error {
	_, err := execer.ExecContext(ctx,
		`INSERT INTO table_settings(tbl, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value`,
		table, key, value)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: writing table setting")
	}
	return nil
}

// GetTableSetting reads a per-table option.
func GetTableSetting(ctx context.Context, db *sql.DB, table, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM table_settings WHERE tbl = ? AND key = ?`, table, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, cserr.Wrap(cserr.Storage, err, "metadata: reading table setting")
	}
	return value, true, nil
}

// ClearTableSettings deletes all options for table (cleanup()).
func ClearTableSettings(ctx context.Context, db *sql.DB, table string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM table_settings WHERE tbl = ?`, table)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: clearing table settings")
	}
	return nil
}

// settingsKey for the well-known single-value settings of spec §6.
const (
	SettingLibVersion        = "lib_version"
	SettingDebug             = "debug"
	SettingSchemaVersion     = "schema_version"
	SettingSendDBVersion     = "send_db_version"
	SettingSendSeq           = "send_seq"
	SettingCheckDBVersion    = "check_db_version"
	SettingCheckSeq          = "check_seq"
	SettingPreAlterDBVersion = "pre_alter_dbversion"
	SettingMergeEqualValues  = "merge_equal_values"
	SettingAllDisabled       = "all_disabled"
)

// TableSettingEnabled is the table_settings key holding a table's
// administrative enable/disable state (spec §6 enable/disable/is_enabled).
// Absence means enabled; the value "0" means disabled.
const TableSettingEnabled = "enabled"
