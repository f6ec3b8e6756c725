package merge

import (
	"context"

	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/payload"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
)

// mergeGOS implements spec §4.4's GOS algorithm: no causal-length
// reasoning and no deletion. The named column is inserted-or-updated
// unconditionally (the caller suppresses sync, which makes both the capture
// triggers and GOS's before-update guard trigger skip this engine-owned
// upsert), then the winner clock is recorded.
func (e *Engine) mergeGOS(ctx context.Context, td metadata.TableDescriptor, row payload.TypedRow) error {
	if row.ColName == metadata.TombstoneSentinel {
		if err := sentinelInsertUserRow(ctx, e.deps.Exec, td, row.PK); err != nil {
			return err
		}
		return metadata.RecordWinnerClock(ctx, e.deps.Exec, e.deps.Clock, e.deps.SiteIDs, td.Name, row.PK,
			metadata.TombstoneSentinel, row.CausalLength, row.DBVersion, row.SiteID, row.Seq)
	}

	driverVal, err := pkcodec.ToDriverValue(row.ColValue)
	if err != nil {
		return err
	}
	if err := columnUpsertUserRow(ctx, e.deps.Exec, td, row.PK, row.ColName, driverVal); err != nil {
		return err
	}
	return metadata.RecordWinnerClock(ctx, e.deps.Exec, e.deps.Clock, e.deps.SiteIDs, td.Name, row.PK,
		row.ColName, row.ColVersion, row.DBVersion, row.SiteID, row.Seq)
}
