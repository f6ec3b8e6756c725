// Package merge implements the merge engine of spec.md §4.4: the single
// merge_insert(row) entry point that the changes virtual table (§4.7)
// routes every decoded remote row through, dispatching to one of the four
// per-table algorithms (CLS, DWS, AWS, GOS).
package merge

import (
	"context"

	"github.com/cloudsync-go/cloudsync/internal/clock"
	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/payload"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
)

// Dependencies bundles the collaborators merge_insert needs. All of them
// are connection-scoped per spec §5 ("owned by one connection").
type Dependencies struct {
	Exec             metadata.Execer
	Clock            *clock.Clock
	Tables           metadata.TableLookup
	SiteIDs          *metadata.SiteIDDictionary
	MergeEqualValues bool // spec §3's Open Question, resolved in SPEC_FULL.md §C.1
	Policy           RowPolicy
}

// RowPolicy lets a caller veto individual row applications, implementing
// the per-payload callback hook's will_apply phase (spec §4.6). A nil
// Policy admits every row.
type RowPolicy interface {
	WillApply(ctx context.Context, row payload.TypedRow) (allow bool, err error)
}

// Engine is the merge_insert entry point, bound to one connection.
type Engine struct {
	deps Dependencies
}

func New(deps Dependencies) *Engine { return &Engine{deps: deps} }

// MergeInsert implements spec §4.4's merge_insert(row): looks up the
// table's algorithm and dispatches. Capture triggers never fire for any of
// the writes this performs (invariant 3); callers are expected to have
// suppressed them at the connection level (cloudsync_is_sync) before
// calling in.
func (e *Engine) MergeInsert(ctx context.Context, row payload.TypedRow) error {
	td, ok := e.deps.Tables.Describe(row.Table)
	if !ok {
		return cserr.Newf(cserr.Misuse, "merge: unknown table %q", row.Table)
	}
	if e.deps.Policy != nil {
		allow, err := e.deps.Policy.WillApply(ctx, row)
		if err != nil {
			return err
		}
		if !allow {
			return nil
		}
	}

	switch td.Algo {
	case metadata.AlgoGOS:
		return e.mergeGOS(ctx, td, row)
	case metadata.AlgoCLS, metadata.AlgoAWS:
		return e.mergeSetLike(ctx, td, row, false)
	case metadata.AlgoDWS:
		return e.mergeSetLike(ctx, td, row, true)
	default:
		return cserr.Newf(cserr.Misuse, "merge: table %q has unknown algorithm %q", row.Table, td.Algo)
	}
}

// physicalDeleteUserRow deletes the user-table row at pk, ignoring absence
// (the row may already be gone from a prior apply of the same delete).
func physicalDeleteUserRow(ctx context.Context, exec metadata.Execer, td metadata.TableDescriptor, pk []byte) error {
	args, err := pkcodec.BindInto(pk)
	if err != nil {
		return err
	}
	where := metadata.PKWhereClause(td.PKColumnNames())
	_, err = exec.ExecContext(ctx, `DELETE FROM `+metadata.QuoteIdent(td.Name)+` WHERE `+where, args...)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "merge: physical delete on "+td.Name)
	}
	return nil
}

// sentinelInsertUserRow inserts a bare row consisting of only the PK
// columns (defaults fill the rest), ignoring the insert if the row already
// exists — used when a resurrection or a bare sentinel arrives ahead of,
// or without, its column values.
func sentinelInsertUserRow(ctx context.Context, exec metadata.Execer, td metadata.TableDescriptor, pk []byte) error {
	args, err := pkcodec.BindInto(pk)
	if err != nil {
		return err
	}
	cols := metadata.QuoteIdentList(td.PKColumnNames())
	placeholders := metadata.Placeholders(len(td.PKColumns))
	_, err = exec.ExecContext(ctx,
		`INSERT INTO `+metadata.QuoteIdent(td.Name)+`(`+cols+`) VALUES (`+placeholders+`) ON CONFLICT DO NOTHING`,
		args...)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "merge: sentinel insert on "+td.Name)
	}
	return nil
}

// columnUpsertUserRow inserts-or-updates a single column of the user row at
// pk with value, used by GOS and by CLS/DWS/AWS's winning column write.
func columnUpsertUserRow(ctx context.Context, exec metadata.Execer, td metadata.TableDescriptor, pk []byte, col string, value any) error {
	pkArgs, err := pkcodec.BindInto(pk)
	if err != nil {
		return err
	}
	pkCols := td.PKColumnNames()
	insertCols := metadata.QuoteIdentList(append(append([]string(nil), pkCols...), col))
	insertPlaceholders := metadata.Placeholders(len(pkCols) + 1)
	insertArgs := append(append([]any(nil), pkArgs...), value)

	_, err = exec.ExecContext(ctx,
		`INSERT INTO `+metadata.QuoteIdent(td.Name)+`(`+insertCols+`) VALUES (`+insertPlaceholders+`)
		 ON CONFLICT (`+metadata.QuoteIdentList(pkCols)+`) DO UPDATE SET `+metadata.QuoteIdent(col)+` = excluded.`+metadata.QuoteIdent(col),
		insertArgs...)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "merge: column upsert on "+td.Name+"."+col)
	}
	return nil
}
