package metadata

import (
	"context"

	"github.com/cloudsync-go/cloudsync/internal/clock"
	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// ReadColVersion reads the current col_version for (table, pk, col_name);
// ok is false when no shadow row exists yet. Exported for the merge engine,
// which needs the same lookup emit_insert/emit_update use locally.
func ReadColVersion(ctx context.Context, execer Execer, table string, pk []byte, col string) (int64, bool, error) {
	return readColVersion(ctx, execer, table, pk, col)
}

// RecordWinnerClock implements spec §4.4's "Winner clock recording": a
// single idempotent upsert of the shadow row for (pk, col_name), advancing
// the local clock via db_version_next(incoming_db_version) and translating
// the incoming site id through the dictionary, minting a new entry if this
// is the first time that site has been observed.
func RecordWinnerClock(
	ctx context.Context,
	execer Execer,
	clk *clock.Clock,
	siteIDs *SiteIDDictionary,
	table string,
	pk []byte,
	col string,
	colVersion int64,
	incomingDBVersion int64,
	incomingSiteID []byte,
	incomingSeq int32,
) error {
	dbv, err := clk.Next(ctx, incomingDBVersion)
	if err != nil {
		return err
	}
	siteIdx, err := siteIDs.Resolve(ctx, execer, incomingSiteID)
	if err != nil {
		return err
	}
	_, err = execer.ExecContext(ctx,
		`INSERT INTO `+quoteIdent(ShadowName(table))+`(pk, col_name, col_version, db_version, site_id, seq)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pk, col_name) DO UPDATE SET
		   col_version = excluded.col_version, db_version = excluded.db_version,
		   site_id = excluded.site_id, seq = excluded.seq`,
		pk, col, colVersion, dbv, siteIdx, incomingSeq)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: recording winner clock")
	}
	return nil
}

// ZeroNonTombstoneVersions sets every non-sentinel col_version for pk to 0,
// implementing CLS step 4's "zero out all non-tombstone col_versions for
// this pk to force subsequent columns to re-apply" after a resurrection.
func ZeroNonTombstoneVersions(ctx context.Context, execer Execer, table string, pk []byte) error {
	_, err := execer.ExecContext(ctx,
		`UPDATE `+quoteIdent(ShadowName(table))+` SET col_version = 0 WHERE pk = ? AND col_name != ?`,
		pk, TombstoneSentinel)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: zeroing column versions on resurrect")
	}
	return nil
}

// DropNonSentinelMetadata deletes every non-sentinel shadow row for pk,
// implementing invariant 5 ("a physically deleted row carries only its
// tombstone entry").
func DropNonSentinelMetadata(ctx context.Context, execer Execer, table string, pk []byte) error {
	_, err := execer.ExecContext(ctx,
		`DELETE FROM `+quoteIdent(ShadowName(table))+` WHERE pk = ? AND col_name != ?`,
		pk, TombstoneSentinel)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: dropping non-sentinel metadata")
	}
	return nil
}
