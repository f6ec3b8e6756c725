package merge

import (
	"bytes"
	"context"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/payload"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

// mergeSetLike implements spec §4.4's CLS algorithm, shared by CLS, DWS,
// and AWS per spec §3: "DWS/AWS are structurally identical to CLS with the
// add/delete tiebreak inverted". As specified, CLS's causal-length
// comparison is magnitude-first: a single per-pk integer can only carry
// one parity at a given value, so an incoming and local causal length that
// are exactly equal always share the same parity too — there is no live
// state in which a magnitude tie actually pits a concurrent add against a
// concurrent delete. That leaves the three algorithms with identical
// observable behavior under this row shape (see DESIGN.md's Open Question
// resolution for this point); deleteWins is threaded through regardless,
// so a future causal-length scheme that can produce genuine same-magnitude
// add/delete concurrency has a single call site to change.
func (e *Engine) mergeSetLike(ctx context.Context, td metadata.TableDescriptor, row payload.TypedRow, deleteWins bool) error {
	_ = deleteWins
	exec := e.deps.Exec
	table := td.Name

	localCL, exists, err := metadata.ReadColVersion(ctx, exec, table, row.PK, metadata.TombstoneSentinel)
	if err != nil {
		return err
	}
	if !exists {
		localCL = 0
	}

	if row.CausalLength < localCL {
		return nil // stale, drop silently
	}

	if isEven(row.CausalLength) {
		if exists && localCL == row.CausalLength {
			return nil // already deleted at that version
		}
		if err := physicalDeleteUserRow(ctx, exec, td, row.PK); err != nil {
			return err
		}
		if err := metadata.RecordWinnerClock(ctx, exec, e.deps.Clock, e.deps.SiteIDs, table, row.PK,
			metadata.TombstoneSentinel, row.CausalLength, row.DBVersion, row.SiteID, row.Seq); err != nil {
			return err
		}
		return metadata.DropNonSentinelMetadata(ctx, exec, table, row.PK)
	}

	if row.ColName == metadata.TombstoneSentinel {
		if exists && localCL == row.CausalLength {
			return nil
		}
		if err := sentinelInsertUserRow(ctx, exec, td, row.PK); err != nil {
			return err
		}
		if err := metadata.ZeroNonTombstoneVersions(ctx, exec, table, row.PK); err != nil {
			return err
		}
		return metadata.RecordWinnerClock(ctx, exec, e.deps.Clock, e.deps.SiteIDs, table, row.PK,
			metadata.TombstoneSentinel, row.CausalLength, row.DBVersion, row.SiteID, row.Seq)
	}

	// Column update, possibly combined with resurrection (spec §4.4 step 5).
	if row.CausalLength > localCL && isOdd(row.CausalLength) && (exists || row.CausalLength > 1) {
		if err := sentinelInsertUserRow(ctx, exec, td, row.PK); err != nil {
			return err
		}
		if err := metadata.ZeroNonTombstoneVersions(ctx, exec, table, row.PK); err != nil {
			return err
		}
		if err := metadata.RecordWinnerClock(ctx, exec, e.deps.Clock, e.deps.SiteIDs, table, row.PK,
			metadata.TombstoneSentinel, row.CausalLength, row.DBVersion, row.SiteID, row.Seq); err != nil {
			return err
		}
	}

	didWin, err := e.didColumnWin(ctx, td, row)
	if err != nil {
		return err
	}
	if !didWin {
		return nil
	}

	driverVal, err := pkcodec.ToDriverValue(row.ColValue)
	if err != nil {
		return err
	}
	if err := columnUpsertUserRow(ctx, exec, td, row.PK, row.ColName, driverVal); err != nil {
		return err
	}
	return metadata.RecordWinnerClock(ctx, exec, e.deps.Clock, e.deps.SiteIDs, table, row.PK,
		row.ColName, row.ColVersion, row.DBVersion, row.SiteID, row.Seq)
}

// didColumnWin implements spec §4.4's did_cid_win decision: no local entry
// wins outright; otherwise higher col_version wins; on an exact tie,
// compare values under the total order, and if still equal, and the
// merge-equal-values policy is on, break the tie by comparing the raw
// site_id bytes of the prior winner against the incoming row (higher wins).
// The comparison must use the raw bytes rather than either side's dictionary
// index: the dictionary assigns indices in local first-encounter order, so
// the same site can hold different indices on different replicas.
func (e *Engine) didColumnWin(ctx context.Context, td metadata.TableDescriptor, row payload.TypedRow) (bool, error) {
	table := td.Name
	localVersion, exists, err := metadata.ReadColVersion(ctx, e.deps.Exec, table, row.PK, row.ColName)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	if row.ColVersion > localVersion {
		return true, nil
	}
	if row.ColVersion < localVersion {
		return false, nil
	}

	localValue, err := readLocalColumnValue(ctx, e.deps.Exec, td, row.PK, row.ColName)
	if err != nil {
		return false, err
	}
	cmp := sqlvalue.Compare(row.ColValue, localValue)
	if cmp != 0 {
		return cmp > 0, nil
	}
	if !e.deps.MergeEqualValues {
		return false, nil
	}
	localSiteIdx, _, err := localWinnerSiteIndex(ctx, e.deps.Exec, table, row.PK, row.ColName)
	if err != nil {
		return false, err
	}
	localSiteID, err := e.deps.SiteIDs.Lookup(ctx, e.deps.Exec, localSiteIdx)
	if err != nil {
		return false, err
	}
	return bytes.Compare(row.SiteID, localSiteID) > 0, nil
}

func isEven(v int64) bool { return v%2 == 0 }
func isOdd(v int64) bool  { return !isEven(v) }

// readLocalColumnValue reads the current value of one data column for the
// user row at pk, used to break a col_version tie under the total value
// order (spec §4.4).
func readLocalColumnValue(ctx context.Context, exec metadata.Execer, td metadata.TableDescriptor, pk []byte, col string) (sqlvalue.Value, error) {
	args, err := pkcodec.BindInto(pk)
	if err != nil {
		return sqlvalue.Value{}, err
	}
	where := metadata.PKWhereClause(td.PKColumnNames())
	var raw any
	err = exec.QueryRowContext(ctx,
		`SELECT `+metadata.QuoteIdent(col)+` FROM `+metadata.QuoteIdent(td.Name)+` WHERE `+where, args...).Scan(&raw)
	if err != nil {
		return sqlvalue.Value{}, cserr.Wrap(cserr.Storage, err, "merge: reading local column value for tie-break")
	}
	return pkcodec.FromSQLRow([]any{raw})[0], nil
}

func localWinnerSiteIndex(ctx context.Context, exec metadata.Execer, table string, pk []byte, col string) (int64, bool, error) {
	var idx int64
	err := exec.QueryRowContext(ctx,
		`SELECT site_id FROM `+metadata.QuoteIdent(metadata.ShadowName(table))+` WHERE pk = ? AND col_name = ?`,
		pk, col).Scan(&idx)
	if err != nil {
		return 0, false, cserr.Wrap(cserr.Storage, err, "merge: reading local winner site id")
	}
	return idx, true, nil
}
