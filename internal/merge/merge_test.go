package merge_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/clock"
	"github.com/cloudsync-go/cloudsync/internal/merge"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/payload"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func notesTable(algo metadata.Algo) metadata.TableDescriptor {
	return metadata.TableDescriptor{
		Name: "notes",
		Algo: algo,
		PKColumns: []metadata.Column{
			{Name: "id", Type: "text", NotNull: true, IsPK: true},
		},
		DataColumns: []metadata.Column{
			{Name: "body", Type: "text"},
		},
	}
}

type fixture struct {
	db      *sql.DB
	core    *metadata.Core
	engine  *merge.Engine
	clk     *clock.Clock
	siteIDs *metadata.SiteIDDictionary
	localID [16]byte
}

func newFixture(t *testing.T, algo metadata.Algo) *fixture {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.ExecContext(ctx, `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)

	core := &metadata.Core{DB: db, Inventory: metadata.NewInventory(), Schema: metadata.NewSchemaRegistry(db)}
	require.NoError(t, core.Schema.EnsureTable(ctx))
	require.NoError(t, core.Init(ctx, notesTable(algo)))

	siteIDs := metadata.NewSiteIDDictionary(db)
	var local [16]byte
	copy(local[:], "local-site-00000")
	require.NoError(t, siteIDs.EnsureTable(ctx, local))

	obs := clock.NewSQLMaxObserver(db)
	obs.SetTables([]string{"notes_meta"})
	clk := clock.New(obs, 0)

	deps := merge.Dependencies{
		Exec:             metadata.DBExecer{DB: db},
		Clock:            clk,
		Tables:           core.Inventory,
		SiteIDs:          siteIDs,
		MergeEqualValues: true,
	}
	return &fixture{db: db, core: core, engine: merge.New(deps), clk: clk, siteIDs: siteIDs, localID: local}
}

func remotePK(t *testing.T, id string) []byte {
	t.Helper()
	pk, err := pkcodec.Encode([]sqlvalue.Value{sqlvalue.Text(id)})
	require.NoError(t, err)
	return pk
}

func TestMergeInsertAppliesFreshColumnWhenNoLocalEntry(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, metadata.AlgoCLS)
	remoteSite := make([]byte, 16)
	remoteSite[0] = 0x42

	pk := remotePK(t, "n1")
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 1, DBVersion: 5, SiteID: remoteSite, CausalLength: 1, Seq: 0,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: sqlvalue.Text("hello"),
		ColVersion: 1, DBVersion: 5, SiteID: remoteSite, CausalLength: 1, Seq: 1,
	}))

	var body string
	require.NoError(t, fx.db.QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'n1'`).Scan(&body))
	require.Equal(t, "hello", body)
}

func TestMergeInsertDropsStaleCausalLength(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, metadata.AlgoCLS)
	remoteSite := make([]byte, 16)

	pk := remotePK(t, "n2")
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 3, DBVersion: 5, SiteID: remoteSite, CausalLength: 3, Seq: 0,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite, CausalLength: 1, Seq: 0,
	}))

	cl, ok, err := metadata.ReadColVersion(ctx, metadata.DBExecer{DB: fx.db}, "notes", pk, metadata.TombstoneSentinel)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, cl) // the stale cl=1 insert must not regress the tombstone
}

func TestMergeInsertDeletePhysicallyRemovesRow(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, metadata.AlgoCLS)
	remoteSite := make([]byte, 16)

	pk := remotePK(t, "n3")
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite, CausalLength: 1, Seq: 0,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: sqlvalue.Text("v1"),
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite, CausalLength: 1, Seq: 1,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 2, DBVersion: 2, SiteID: remoteSite, CausalLength: 2, Seq: 0,
	}))

	var count int
	require.NoError(t, fx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = 'n3'`).Scan(&count))
	require.Equal(t, 0, count)

	var metaCount int
	require.NoError(t, fx.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes_meta WHERE pk = ? AND col_name != ?`, pk, metadata.TombstoneSentinel).Scan(&metaCount))
	require.Equal(t, 0, metaCount) // invariant 5: only the tombstone survives a delete
}

func TestMergeInsertResurrectionAfterDelete(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, metadata.AlgoCLS)
	remoteSite := make([]byte, 16)

	pk := remotePK(t, "n4")
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 2, DBVersion: 1, SiteID: remoteSite, CausalLength: 2, Seq: 0,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 3, DBVersion: 2, SiteID: remoteSite, CausalLength: 3, Seq: 0,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: sqlvalue.Text("back"),
		ColVersion: 1, DBVersion: 2, SiteID: remoteSite, CausalLength: 3, Seq: 1,
	}))

	var count int
	require.NoError(t, fx.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = 'n4'`).Scan(&count))
	require.Equal(t, 1, count)

	var body string
	require.NoError(t, fx.db.QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'n4'`).Scan(&body))
	require.Equal(t, "back", body)
}

func TestMergeInsertGOSRejectsUpdateDirectlyButAppliesRemote(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, metadata.AlgoGOS)
	remoteSite := make([]byte, 16)

	pk := remotePK(t, "g1")
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: metadata.TombstoneSentinel,
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite, CausalLength: 1, Seq: 0,
	}))
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: sqlvalue.Text("grows"),
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite, CausalLength: 1, Seq: 1,
	}))
	// A second, lower-looking ColVersion from a different remote still just
	// overwrites: GOS performs no causal-length reasoning at all.
	require.NoError(t, fx.engine.MergeInsert(ctx, payload.TypedRow{
		Table: "notes", PK: pk, ColName: "body", ColValue: sqlvalue.Text("grows-more"),
		ColVersion: 1, DBVersion: 1, SiteID: remoteSite, CausalLength: 1, Seq: 2,
	}))

	_, err := fx.db.ExecContext(ctx, `UPDATE notes SET body = 'direct' WHERE id = ?`, "g1")
	require.Error(t, err) // before_update guard trigger rejects direct writes

	var body string
	require.NoError(t, fx.db.QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'g1'`).Scan(&body))
	require.Equal(t, "grows-more", body)
}
