package sqlhost

import (
	"context"
	"database/sql"
	"sort"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/vtab"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/payload"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

// changesModuleName is the virtual table name spec §4.7 reserves for the
// engine's single outbound/inbound change stream.
const changesModuleName = "cloudsync_changes"

// registerChangesModule registers cloudsync_changes as an eponymous-only
// virtual table (spec §4.7: "a single built-in table-valued interface, not
// one the caller CREATEs per augmented table"). Reads stream every
// augmented table's pending shadow rows, oldest db_version first; writes
// (INSERT INTO cloudsync_changes VALUES (...)) decode one payload.TypedRow
// per statement execution and hand it to the merge engine, with capture
// triggers suppressed for the duration so merge writes never re-enter
// emit_insert/emit_update/emit_delete (invariant 3).
func registerChangesModule(raw *sqlite3.Conn, h *Host) error {
	return vtab.Register(raw, changesModuleName, changesModule{h: h})
}

type changesModule struct{ h *Host }

func (m changesModule) Connect(c *sqlite3.Conn, arg ...string) (vtab.Table, error) {
	const schema = `CREATE TABLE x(
		tbl           TEXT,
		pk            BLOB,
		col_name      TEXT,
		col_value     ANY,
		col_version   INTEGER,
		db_version    INTEGER,
		site_id       BLOB,
		causal_length INTEGER,
		seq           INTEGER
	)`
	if err := c.DeclareVTab(schema); err != nil {
		return nil, err
	}
	return changesTable{h: m.h}, nil
}

type changesTable struct{ h *Host }

func (t changesTable) BestIndex(idx *vtab.IndexInfo) error { return nil }
func (t changesTable) Open() (vtab.Cursor, error) {
	return &changesCursor{h: t.h}, nil
}
func (t changesTable) Disconnect() error { return nil }
func (t changesTable) Destroy() error    { return nil }

// Update implements the vtab write path: xUpdate with a non-NULL rowid and
// non-NULL new row is an INSERT of one outbound/inbound change row, decoded
// into a payload.TypedRow and routed through merge.Engine.MergeInsert.
// DELETE/UPDATE against this vtab are not meaningful (spec §4.7 describes
// only streaming reads and row-at-a-time inserts) and are rejected.
func (t changesTable) Update(arg ...sqlite3.Value) (rowid int64, err error) {
	if len(arg) < 2 || arg[0].Type() == sqlite3.NULL {
		return 0, cserr.New(cserr.Misuse, "cloudsync_changes: only INSERT is supported")
	}
	row, err := rowFromVTabArgs(arg[2:])
	if err != nil {
		return 0, err
	}
	typed, err := payload.NewRow(row).Typed()
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	if err := t.h.withSyncSuppressed(func() error {
		return t.h.Merge.MergeInsert(ctx, typed)
	}); err != nil {
		return 0, err
	}
	return 0, nil
}

func rowFromVTabArgs(arg []sqlite3.Value) (payload.Row, error) {
	var r payload.Row
	for i := range r {
		if i >= len(arg) {
			break
		}
		r[i] = fromSQLiteValue(arg[i])
	}
	return r, nil
}

// changesCursor streams every augmented table's non-sentinel-and-sentinel
// shadow rows in ascending db_version order, projecting each shadow row
// plus its user-table column value into the wire row shape. It materializes
// the full ordered row set up front rather than interleaving per-table
// cursors; spec §4.7 does not bound payload size tightly enough to require
// a more elaborate streaming merge-of-cursors here.
type changesCursor struct {
	h    *Host
	rows []payload.TypedRow
	pos  int
}

func (c *changesCursor) Filter(idxNum int, idxStr string, arg ...sqlite3.Value) error {
	rows, err := scanAllPendingRows(context.Background(), c.h)
	if err != nil {
		return err
	}
	c.rows = rows
	c.pos = 0
	return nil
}

func (c *changesCursor) Next() error { c.pos++; return nil }
func (c *changesCursor) EOF() bool   { return c.pos >= len(c.rows) }
func (c *changesCursor) RowID() (int64, error) {
	return int64(c.pos), nil
}

func (c *changesCursor) Column(ctx sqlite3.Context, col int) error {
	r := payload.NewRow(c.rows[c.pos])
	setResult(ctx, r[col])
	return nil
}

func (c *changesCursor) Close() error { return nil }

// scanAllPendingRows reads every shadow row across every augmented table,
// oldest db_version first, translating each local site_id dictionary index
// back to its 16-byte form for the wire.
func scanAllPendingRows(ctx context.Context, h *Host) ([]payload.TypedRow, error) {
	var out []payload.TypedRow
	for _, td := range h.Core.Inventory.Tables() {
		rows, err := scanTablePendingRows(ctx, h, td)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DBVersion != out[j].DBVersion {
			return out[i].DBVersion < out[j].DBVersion
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// scanTablePendingRows runs entirely against h.rawExec rather than the pooled
// h.DB: it is reached from changesCursor.Filter, itself an xFilter callback
// invoked synchronously while an outer `SELECT * FROM cloudsync_changes`
// statement already holds the pool's one connection, so a pooled query here
// would deadlock the same way a trigger calling back into *sql.DB would
// (rawexec.go's doc comment).
func scanTablePendingRows(ctx context.Context, h *Host, td metadata.TableDescriptor) ([]payload.TypedRow, error) {
	shadow := metadata.ShadowName(td.Name)
	rows, err := h.rawExec.QueryContext(ctx,
		`SELECT pk, col_name, col_version, db_version, site_id, seq FROM `+metadata.QuoteIdent(shadow)+
			` ORDER BY db_version ASC`)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: scanning pending rows for "+td.Name)
	}
	defer rows.Close()

	var out []payload.TypedRow
	for rows.Next() {
		var pk []byte
		var colName string
		var colVersion, dbVersion int64
		var siteIdx int64
		var seq int32
		if err := rows.Scan(&pk, &colName, &colVersion, &dbVersion, &siteIdx, &seq); err != nil {
			return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: scanning shadow row for "+td.Name)
		}
		siteID, err := h.SiteIDs.Lookup(ctx, h.rawExec, siteIdx)
		if err != nil {
			return nil, err
		}
		tr := payload.TypedRow{
			Table:        td.Name,
			PK:           pk,
			ColName:      colName,
			ColVersion:   colVersion,
			DBVersion:    dbVersion,
			SiteID:       siteID,
			CausalLength: colVersion,
			Seq:          seq,
		}
		if colName != metadata.TombstoneSentinel {
			val, err := readColumnValueForWire(ctx, h, td, pk, colName)
			if err != nil {
				return nil, err
			}
			tr.ColValue = val
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: iterating shadow rows for "+td.Name)
	}
	return out, nil
}

// insertChangeSQL is the single write path every inbound row takes,
// regardless of whether it arrived via network_check_changes/payload_decode
// or a caller's own direct INSERT INTO cloudsync_changes: all three route
// through changesTable.Update's xUpdate callback (spec §4.7).
const insertChangeSQL = `INSERT INTO ` + changesModuleName +
	`(tbl, pk, col_name, col_value, col_version, db_version, site_id, causal_length, seq) VALUES (?,?,?,?,?,?,?,?,?)`

// applyChangeRow hands one decoded wire row to the changes vtab rather than
// calling merge.Engine directly, so network_check_changes and payload_decode
// exercise the same xUpdate path spec §4.7 describes as the engine's single
// inbound entry point.
func (h *Host) applyChangeRow(ctx context.Context, r payload.Row) error {
	args := make([]any, len(r))
	for i, v := range r {
		dv, err := pkcodec.ToDriverValue(v)
		if err != nil {
			return err
		}
		args[i] = dv
	}
	_, err := h.rawExec.ExecContext(ctx, insertChangeSQL, args...)
	return err
}

// decodeAndApply validates and streams every row of an encoded payload
// through applyChangeRow, backing both network_check_changes and the
// payload_decode SQL function (spec §9's "callback-driven decoders"). onRow,
// if non-nil, is called with each applied row's typed form so a caller can
// track the highest (db_version, seq) it saw without a second decode pass.
func (h *Host) decodeAndApply(ctx context.Context, blob []byte, onRow func(payload.TypedRow)) (int, error) {
	applied := 0
	known := func(hash uint64) bool { return h.Core.Schema.Known(ctx, hash) }
	_, err := payload.Decode(blob, known, func(_ int, r payload.Row) error {
		tr, terr := r.Typed()
		if terr != nil {
			return terr
		}
		if err := h.applyChangeRow(ctx, r); err != nil {
			return err
		}
		applied++
		if onRow != nil {
			onRow(tr)
		}
		return nil
	})
	return applied, err
}

// readColumnValueForWire also runs against h.rawExec: besides
// scanTablePendingRows' reentrant xFilter path above, it is called from
// sync.go's scanUnsentRows too, and the raw connection serves that
// non-reentrant caller just as well, so there is no reason to keep two
// executors for one query.
func readColumnValueForWire(ctx context.Context, h *Host, td metadata.TableDescriptor, pk []byte, col string) (sqlvalue.Value, error) {
	args, err := pkcodec.BindInto(pk)
	if err != nil {
		return sqlvalue.Value{}, err
	}
	where := metadata.PKWhereClause(td.PKColumnNames())
	var raw any
	err = h.rawExec.QueryRowContext(ctx,
		`SELECT `+metadata.QuoteIdent(col)+` FROM `+metadata.QuoteIdent(td.Name)+` WHERE `+where, args...).Scan(&raw)
	if err == sql.ErrNoRows {
		// The user row was deleted after this column's shadow entry was
		// written but before the delete's own tombstone bump reached the
		// shadow relation; project NULL rather than failing the scan.
		return sqlvalue.Null, nil
	}
	if err != nil {
		return sqlvalue.Value{}, cserr.Wrap(cserr.Storage, err, "sqlhost: reading column value for wire projection")
	}
	return pkcodec.FromSQLRow([]any{raw})[0], nil
}
