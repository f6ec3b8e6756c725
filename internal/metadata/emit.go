package metadata

import (
	"context"
	"database/sql"

	"github.com/cloudsync-go/cloudsync/internal/clock"
	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

// TableLookup resolves a table name to its descriptor, backed by the table
// inventory (spec §4.9).
type TableLookup interface {
	Describe(table string) (TableDescriptor, bool)
}

func isNoRows(err error) bool { return err == sql.ErrNoRows }

// Emitter implements emit_insert/emit_update/emit_delete (spec §4.3), the
// functions the capture triggers installed by InstallTriggers call into.
// One Emitter is bound to one connection's Clock, per spec §5's "owned by
// one connection" rule.
type Emitter struct {
	Exec    Execer
	Clock   *clock.Clock
	Tables  TableLookup
	SiteIDs *SiteIDDictionary
}

// EmitInsert implements spec §4.3's emit_insert: encode NEW PKs; acquire
// db_version; write or resurrect the tombstone entry; write one column
// entry per non-PK column at col_version=1.
func (e *Emitter) EmitInsert(ctx context.Context, table string, pkVals []sqlvalue.Value) error {
	td, ok := e.Tables.Describe(table)
	if !ok {
		return cserr.Newf(cserr.Misuse, "metadata: emit_insert: unknown table %q", table)
	}
	pk, err := pkcodec.Encode(pkVals)
	if err != nil {
		return err
	}
	dbv, err := e.Clock.Next(ctx, clock.NoMerging)
	if err != nil {
		return err
	}

	if err := e.writeTombstoneForLocalInsert(ctx, table, pk, dbv); err != nil {
		return err
	}
	for _, col := range td.DataColumnNames() {
		if err := e.upsertLocalColumn(ctx, table, pk, col, 1, dbv); err != nil {
			return err
		}
	}
	return nil
}

// writeTombstoneForLocalInsert writes col_version=1 if no tombstone exists
// yet, or advances to the next odd value if it does (resurrection).
func (e *Emitter) writeTombstoneForLocalInsert(ctx context.Context, table string, pk []byte, dbv int64) error {
	current, exists, err := readColVersion(ctx, e.Exec, table, pk, TombstoneSentinel)
	if err != nil {
		return err
	}
	next := int64(1)
	if exists {
		next = nextOdd(current)
	}
	return e.writeShadowRow(ctx, table, pk, TombstoneSentinel, next, dbv)
}

// EmitUpdate implements spec §4.3's emit_update, including the PK-move
// relocation branch when any PK column changed.
func (e *Emitter) EmitUpdate(ctx context.Context, table string, newPKVals, oldPKVals, newVals, oldVals []sqlvalue.Value) error {
	td, ok := e.Tables.Describe(table)
	if !ok {
		return cserr.Newf(cserr.Misuse, "metadata: emit_update: unknown table %q", table)
	}
	newPK, err := pkcodec.Encode(newPKVals)
	if err != nil {
		return err
	}
	oldPK, err := pkcodec.Encode(oldPKVals)
	if err != nil {
		return err
	}
	dbv, err := e.Clock.Next(ctx, clock.NoMerging)
	if err != nil {
		return err
	}

	if !bytesEqual(newPK, oldPK) {
		if err := e.movePK(ctx, table, oldPK, newPK, dbv); err != nil {
			return err
		}
	}

	cols := td.DataColumnNames()
	for i, col := range cols {
		if i >= len(newVals) || i >= len(oldVals) {
			break
		}
		if sqlvalue.Equal(newVals[i], oldVals[i]) {
			continue
		}
		current, exists, err := readColVersion(ctx, e.Exec, table, newPK, col)
		if err != nil {
			return err
		}
		next := int64(1)
		if exists {
			next = current + 1
		}
		if err := e.writeShadowRow(ctx, table, newPK, col, next, dbv); err != nil {
			return err
		}
	}
	return nil
}

// movePK implements the PK-move branch: mark OLD as deleted, relocate all
// non-sentinel metadata from OLD to NEW under a fresh (db_version, seq) per
// entry (spec invariant 1 forbids reusing the source row's seq across
// moves), and insert a new sentinel for NEW.
func (e *Emitter) movePK(ctx context.Context, table string, oldPK, newPK []byte, dbv int64) error {
	oldCL, exists, err := readColVersion(ctx, e.Exec, table, oldPK, TombstoneSentinel)
	if err != nil {
		return err
	}
	if exists {
		if err := e.writeShadowRow(ctx, table, oldPK, TombstoneSentinel, nextEven(oldCL), dbv); err != nil {
			return err
		}
	}

	rows, err := e.Exec.QueryContext(ctx,
		`SELECT col_name, col_version FROM `+quoteIdent(ShadowName(table))+` WHERE pk = ? AND col_name != ?`,
		oldPK, TombstoneSentinel)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: reading metadata to relocate on PK move")
	}
	type moved struct {
		col string
		ver int64
	}
	var toMove []moved
	for rows.Next() {
		var m moved
		if err := rows.Scan(&m.col, &m.ver); err != nil {
			rows.Close()
			return cserr.Wrap(cserr.Storage, err, "metadata: scanning metadata to relocate")
		}
		toMove = append(toMove, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: iterating metadata to relocate")
	}

	for _, m := range toMove {
		if err := e.writeShadowRow(ctx, table, newPK, m.col, m.ver, dbv); err != nil {
			return err
		}
	}
	if _, err := e.Exec.ExecContext(ctx,
		`DELETE FROM `+quoteIdent(ShadowName(table))+` WHERE pk = ? AND col_name != ?`,
		oldPK, TombstoneSentinel); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: clearing relocated metadata at old pk")
	}

	return e.writeTombstoneForLocalInsert(ctx, table, newPK, dbv)
}

// EmitDelete implements spec §4.3's emit_delete: encode OLD PKs; increment
// the tombstone to the next even value; drop all non-sentinel metadata.
func (e *Emitter) EmitDelete(ctx context.Context, table string, oldPKVals []sqlvalue.Value) error {
	if _, ok := e.Tables.Describe(table); !ok {
		return cserr.Newf(cserr.Misuse, "metadata: emit_delete: unknown table %q", table)
	}
	oldPK, err := pkcodec.Encode(oldPKVals)
	if err != nil {
		return err
	}
	dbv, err := e.Clock.Next(ctx, clock.NoMerging)
	if err != nil {
		return err
	}
	current, exists, err := readColVersion(ctx, e.Exec, table, oldPK, TombstoneSentinel)
	if err != nil {
		return err
	}
	if !exists {
		return cserr.Newf(cserr.Misuse, "metadata: emit_delete: no tombstone for pk in %q", table)
	}
	if err := e.writeShadowRow(ctx, table, oldPK, TombstoneSentinel, nextEven(current), dbv); err != nil {
		return err
	}
	_, err = e.Exec.ExecContext(ctx,
		`DELETE FROM `+quoteIdent(ShadowName(table))+` WHERE pk = ? AND col_name != ?`,
		oldPK, TombstoneSentinel)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: dropping metadata on delete")
	}
	return nil
}

// upsertLocalColumn writes a column metadata row for a local write, using
// the local site (dictionary index 0).
func (e *Emitter) upsertLocalColumn(ctx context.Context, table string, pk []byte, col string, version, dbv int64) error {
	return e.writeShadowRow(ctx, table, pk, col, version, dbv)
}

// writeShadowRow is the single idempotent upsert used by every local
// mutation path: it bumps this connection's seq and writes (pk, col_name)
// at (col_version, db_version, site_id=local, seq).
func (e *Emitter) writeShadowRow(ctx context.Context, table string, pk []byte, col string, version, dbv int64) error {
	seq, err := e.Clock.BumpSeq()
	if err != nil {
		return err
	}
	_, err = e.Exec.ExecContext(ctx,
		`INSERT INTO `+quoteIdent(ShadowName(table))+`(pk, col_name, col_version, db_version, site_id, seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pk, col_name) DO UPDATE SET
		   col_version = excluded.col_version,
		   db_version  = excluded.db_version,
		   site_id     = excluded.site_id,
		   seq         = excluded.seq`,
		pk, col, version, dbv, LocalIndex, seq)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: writing shadow row")
	}
	return nil
}

func readColVersion(ctx context.Context, execer Execer, table string, pk []byte, col string) (int64, bool, error) {
	var v int64
	err := execer.QueryRowContext(ctx,
		`SELECT col_version FROM `+quoteIdent(ShadowName(table))+` WHERE pk = ? AND col_name = ?`,
		pk, col).Scan(&v)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}
		return 0, false, cserr.Wrap(cserr.Storage, err, "metadata: reading col_version")
	}
	return v, true, nil
}

func nextOdd(v int64) int64 {
	if v%2 == 0 {
		return v + 1
	}
	return v + 2
}

func nextEven(v int64) int64 {
	if v%2 == 1 {
		return v + 1
	}
	return v + 2
}

func bytesEqual(a, b []byte) bool {
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
