package metadata_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/clock"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/pkcodec"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

// openTestDB opens a private in-memory database with a single connection,
// matching the engine's one-connection-per-session concurrency model
// (spec §5) so triggers and the Go-side emitter observe the same state.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=private")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func widgetsTable() metadata.TableDescriptor {
	return metadata.TableDescriptor{
		Name: "widgets",
		Algo: metadata.AlgoCLS,
		PKColumns: []metadata.Column{
			{Name: "id", Type: "text", NotNull: true, IsPK: true},
		},
		DataColumns: []metadata.Column{
			{Name: "name", Type: "text"},
			{Name: "weight", Type: "integer"},
		},
	}
}

func createUserTable(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		CREATE TABLE widgets (
			id     TEXT PRIMARY KEY,
			name   TEXT,
			weight INTEGER
		)`)
	require.NoError(t, err)
}

func newCore(db *sql.DB) *metadata.Core {
	return &metadata.Core{
		DB:        db,
		Inventory: metadata.NewInventory(),
		Schema:    metadata.NewSchemaRegistry(db),
	}
}

func TestSchemaHashIsDeterministicAndShapeSensitive(t *testing.T) {
	a := []metadata.TableDescriptor{widgetsTable()}
	b := []metadata.TableDescriptor{widgetsTable()}
	require.Equal(t, metadata.SchemaHash(a), metadata.SchemaHash(b))

	other := widgetsTable()
	other.DataColumns = append(other.DataColumns, metadata.Column{Name: "extra", Type: "text"})
	require.NotEqual(t, metadata.SchemaHash(a), metadata.SchemaHash([]metadata.TableDescriptor{other}))
}

func TestInitCreatesShadowRelationAndBackfillsExistingRows(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createUserTable(t, db)

	_, err := db.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w1', 'gear', 3)`)
	require.NoError(t, err)

	core := newCore(db)
	require.NoError(t, core.Schema.EnsureTable(ctx))
	require.NoError(t, core.Init(ctx, widgetsTable()))

	pk, err := pkcodec.Encode([]sqlvalue.Value{sqlvalue.Text("w1")})
	require.NoError(t, err)

	var colVersion int64
	err = db.QueryRowContext(ctx,
		`SELECT col_version FROM widgets_meta WHERE pk = ? AND col_name = ?`,
		pk, metadata.TombstoneSentinel).Scan(&colVersion)
	require.NoError(t, err)
	require.EqualValues(t, 1, colVersion)

	err = db.QueryRowContext(ctx,
		`SELECT col_version FROM widgets_meta WHERE pk = ? AND col_name = ?`, pk, "name").Scan(&colVersion)
	require.NoError(t, err)
	require.EqualValues(t, 1, colVersion)

	td, ok := core.Inventory.Describe("widgets")
	require.True(t, ok)
	require.Equal(t, metadata.AlgoCLS, td.Algo)
}

func TestEmitInsertWritesShadowMetadata(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createUserTable(t, db)

	core := newCore(db)
	require.NoError(t, core.Schema.EnsureTable(ctx))
	require.NoError(t, core.Init(ctx, widgetsTable()))

	obs := clock.NewSQLMaxObserver(db)
	obs.SetTables([]string{"widgets_meta"})
	clk := clock.New(obs, 0)

	emitter := &metadata.Emitter{
		Exec:   metadata.DBExecer{DB: db},
		Clock:  clk,
		Tables: core.Inventory,
	}

	require.NoError(t, emitter.EmitInsert(ctx, "widgets", []sqlvalue.Value{sqlvalue.Text("w2")}))
	clk.Commit()

	pk, err := pkcodec.Encode([]sqlvalue.Value{sqlvalue.Text("w2")})
	require.NoError(t, err)

	var count int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM widgets_meta WHERE pk = ?`, pk).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 3, count) // sentinel + name + weight
}

func TestEmitDeleteIncrementsTombstoneAndDropsColumns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createUserTable(t, db)

	core := newCore(db)
	require.NoError(t, core.Schema.EnsureTable(ctx))
	require.NoError(t, core.Init(ctx, widgetsTable()))

	obs := clock.NewSQLMaxObserver(db)
	obs.SetTables([]string{"widgets_meta"})
	clk := clock.New(obs, 0)
	emitter := &metadata.Emitter{Exec: metadata.DBExecer{DB: db}, Clock: clk, Tables: core.Inventory}

	pkVals := []sqlvalue.Value{sqlvalue.Text("w3")}
	require.NoError(t, emitter.EmitInsert(ctx, "widgets", pkVals))
	clk.Commit()

	require.NoError(t, emitter.EmitDelete(ctx, "widgets", pkVals))
	clk.Commit()

	pk, err := pkcodec.Encode(pkVals)
	require.NoError(t, err)

	var colVersion int64
	err = db.QueryRowContext(ctx,
		`SELECT col_version FROM widgets_meta WHERE pk = ? AND col_name = ?`,
		pk, metadata.TombstoneSentinel).Scan(&colVersion)
	require.NoError(t, err)
	require.EqualValues(t, 2, colVersion) // next even value after the initial odd 1

	var count int
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM widgets_meta WHERE pk = ? AND col_name != ?`,
		pk, metadata.TombstoneSentinel).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestCleanupDropsShadowRelationAndForgetsTable(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createUserTable(t, db)

	core := newCore(db)
	require.NoError(t, core.Schema.EnsureTable(ctx))
	require.NoError(t, core.Init(ctx, widgetsTable()))
	require.NoError(t, core.Cleanup(ctx, "widgets"))

	_, ok := core.Inventory.Describe("widgets")
	require.False(t, ok)

	var name string
	err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='widgets_meta'`).Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestBeginCommitAlterAddsColumnWithoutResettingShadowRelation(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createUserTable(t, db)

	_, err := db.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w4', 'sprocket', 9)`)
	require.NoError(t, err)

	core := newCore(db)
	require.NoError(t, core.Schema.EnsureTable(ctx))
	require.NoError(t, core.Init(ctx, widgetsTable()))

	session, err := core.BeginAlter(ctx, "widgets")
	require.NoError(t, err)

	_, err = session.Tx().ExecContext(ctx, `ALTER TABLE widgets ADD COLUMN color TEXT NOT NULL DEFAULT ''`)
	require.NoError(t, err)

	newTD := widgetsTable()
	newTD.DataColumns = append(newTD.DataColumns, metadata.Column{Name: "color", Type: "text", NotNull: true, Default: "''"})
	require.NoError(t, core.CommitAlter(ctx, session, newTD))

	td, ok := core.Inventory.Describe("widgets")
	require.True(t, ok)
	require.Contains(t, td.DataColumnNames(), "color")

	var name string
	err = db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='widgets_meta'`).Scan(&name)
	require.NoError(t, err) // shadow relation preserved; PK set did not change
}
