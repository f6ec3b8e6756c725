package metadata

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// queryRower is satisfied by *sql.DB and *sql.Tx; DescribeTable needs a
// multi-row query ahead of a table ever being recorded, so it can't go
// through Execer (whose only implementations besides these two are
// reentrant-safe and narrower).
type queryRower interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Inventory caches the augmented table descriptors of the current schema
// generation. It is loaded wholesale from the persisted table list when a
// connection opens, and updated one table at a time by init, cleanup and
// commit_alter. It implements TableLookup for Emitter and the merge engine.
type Inventory struct {
	mu         sync.RWMutex
	tables     map[string]TableDescriptor
	generation uint64
}

func NewInventory() *Inventory {
	return &Inventory{tables: make(map[string]TableDescriptor)}
}

// Describe implements TableLookup.
func (inv *Inventory) Describe(table string) (TableDescriptor, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	td, ok := inv.tables[table]
	return td, ok
}

// Tables returns a snapshot of every registered descriptor, ordered by
// table name.
func (inv *Inventory) Tables() []TableDescriptor {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make([]TableDescriptor, 0, len(inv.tables))
	for _, td := range inv.tables {
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generation returns a counter bumped on every Put, Remove and Reset, so
// callers holding a cached statement set can detect staleness cheaply.
func (inv *Inventory) Generation() uint64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.generation
}

// Put registers or replaces a single table's descriptor (init() adding one
// table, or commit_alter replacing it).
func (inv *Inventory) Put(td TableDescriptor) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.tables[td.Name] = td
	inv.generation++
}

// Remove drops a table's descriptor (cleanup()).
func (inv *Inventory) Remove(table string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.tables, table)
	inv.generation++
}

// Reset replaces the entire descriptor set atomically, used when loading
// the inventory from the persisted table list as a connection opens.
func (inv *Inventory) Reset(tables []TableDescriptor) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.tables = make(map[string]TableDescriptor, len(tables))
	for _, td := range tables {
		inv.tables[td.Name] = td
	}
	inv.generation++
}

// tableListRow is the persisted row shape of the cloudsync_tables bookkeeping
// relation: enough to rebuild a TableDescriptor's shape without re-deriving
// it from sqlite_master, since algorithm and ForceIntPK are not otherwise
// recoverable from the live schema.
type tableListRow struct {
	name       string
	algo       Algo
	forceIntPK bool
}

// PersistTableList creates the cloudsync_tables bookkeeping relation if
// absent; it is the durable record init()/commit_alter write to and Load
// reads back (spec §4.5, §4.9).
func PersistTableList(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cloudsync_tables (
			name          TEXT PRIMARY KEY,
			algo          TEXT NOT NULL,
			force_int_pk  INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating cloudsync_tables")
	}
	return nil
}

// RecordTable upserts a table's bookkeeping row.
func RecordTable(ctx context.Context, execer Execer, td TableDescriptor) error {
	forceInt := 0
	if td.ForceIntPK {
		forceInt = 1
	}
	_, err := execer.ExecContext(ctx,
		`INSERT INTO cloudsync_tables(name, algo, force_int_pk) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET algo = excluded.algo, force_int_pk = excluded.force_int_pk`,
		td.Name, string(td.Algo), forceInt)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: recording table "+td.Name)
	}
	return nil
}

// ForgetTable removes a table's bookkeeping row (cleanup()).
func ForgetTable(ctx context.Context, execer Execer, table string) error {
	_, err := execer.ExecContext(ctx, `DELETE FROM cloudsync_tables WHERE name = ?`, table)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: forgetting table "+table)
	}
	return nil
}

// LoadTableList reads back the bookkeeping rows recorded by RecordTable. The
// PK/data column shape itself is re-derived from PRAGMA table_info by the
// caller (sqlhost, which has the live *sql.DB schema), since only the
// algorithm and the forced-integer-PK flag cannot be recovered from SQLite's
// own catalog.
func LoadTableList(ctx context.Context, db *sql.DB) ([]tableListRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, algo, force_int_pk FROM cloudsync_tables`)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "metadata: loading cloudsync_tables")
	}
	defer rows.Close()

	var out []tableListRow
	for rows.Next() {
		var r tableListRow
		var algo string
		var forceInt int
		if err := rows.Scan(&r.name, &algo, &forceInt); err != nil {
			return nil, cserr.Wrap(cserr.Storage, err, "metadata: scanning cloudsync_tables")
		}
		parsed, err := ParseAlgo(algo)
		if err != nil {
			return nil, err
		}
		r.algo = parsed
		r.forceIntPK = forceInt != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "metadata: iterating cloudsync_tables")
	}
	return out, nil
}

// LoadTableDescriptors rebuilds full TableDescriptors for every table
// recorded in cloudsync_tables by combining that bookkeeping (algorithm,
// force_int_pk) with PRAGMA table_info's live column shape. This is what a
// freshly opened connection calls to repopulate its Inventory, since the
// inventory itself is held only in memory (spec §9: "the inventory is
// rebuilt from the persisted table list whenever the schema changes" — the
// same rebuild applies at connection-open time, not just after an alter).
func LoadTableDescriptors(ctx context.Context, db *sql.DB) ([]TableDescriptor, error) {
	rows, err := LoadTableList(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]TableDescriptor, 0, len(rows))
	for _, r := range rows {
		td, err := describeFromPragma(ctx, db, r.name, r.algo, r.forceIntPK)
		if err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	return out, nil
}

// DescribeTable reads the live PRAGMA table_info shape of an already-CREATEd
// user table and pairs it with a caller-chosen algorithm and force_int_pk
// flag, the same rebuild LoadTableDescriptors does per persisted table but
// usable before a table has been recorded — the shape init() and
// commit_alter need to build the TableDescriptor they then validate and
// persist. q is satisfied by *sql.DB and *sql.Tx.
func DescribeTable(ctx context.Context, q queryRower, table string, algo Algo, forceIntPK bool) (TableDescriptor, error) {
	return describeFromPragma(ctx, q, table, algo, forceIntPK)
}

func describeFromPragma(ctx context.Context, db queryRower, table string, algo Algo, forceIntPK bool) (TableDescriptor, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return TableDescriptor{}, cserr.Wrap(cserr.Storage, err, "metadata: reading table_info for "+table)
	}
	defer rows.Close()

	td := TableDescriptor{Name: table, Algo: algo, ForceIntPK: forceIntPK}
	type pkCol struct {
		col Column
		pos int
	}
	var pkCols []pkCol
	for rows.Next() {
		var name, ctype string
		var notNull int
		var dflt sql.NullString
		var pkPos int
		if err := rows.Scan(&name, &ctype, &notNull, &dflt, &pkPos); err != nil {
			return TableDescriptor{}, cserr.Wrap(cserr.Storage, err, "metadata: scanning table_info for "+table)
		}
		col := Column{Name: name, Type: ctype, NotNull: notNull != 0, Default: dflt.String}
		if pkPos > 0 {
			col.IsPK = true
			pkCols = append(pkCols, pkCol{col: col, pos: pkPos})
		} else {
			td.DataColumns = append(td.DataColumns, col)
		}
	}
	if err := rows.Err(); err != nil {
		return TableDescriptor{}, cserr.Wrap(cserr.Storage, err, "metadata: iterating table_info for "+table)
	}
	sort.Slice(pkCols, func(i, j int) bool { return pkCols[i].pos < pkCols[j].pos })
	for _, pc := range pkCols {
		td.PKColumns = append(td.PKColumns, pc.col)
	}
	return td, nil
}
