package sqlhost_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/sqlhost"
)

func openTestHost(t *testing.T) *sqlhost.Host {
	t.Helper()
	// :memory: is private to the single connection Open pools and skips
	// withInitLock's filesystem lock entirely.
	h, err := sqlhost.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func createWidgets(t *testing.T, h *sqlhost.Host) {
	t.Helper()
	_, err := h.DB.ExecContext(context.Background(), `
		CREATE TABLE widgets (
			id     TEXT PRIMARY KEY,
			name   TEXT,
			weight INTEGER
		)`)
	require.NoError(t, err)
}

func augmentWidgets(t *testing.T, h *sqlhost.Host) {
	t.Helper()
	ctx := context.Background()
	td, err := metadata.DescribeTable(ctx, h.DB, "widgets", metadata.AlgoCLS, false)
	require.NoError(t, err)
	require.NoError(t, h.Core.Init(ctx, td))
}

// TestInsertThroughCaptureTriggerWritesShadowMetadata exercises the full
// wire-up spec §5 describes: a plain INSERT against an augmented table
// fires the installed trigger, which calls the registered cloudsync_* SQL
// functions, which write shadow metadata through the same Emitter the Go
// API uses directly elsewhere.
func TestInsertThroughCaptureTriggerWritesShadowMetadata(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	createWidgets(t, h)
	augmentWidgets(t, h)

	_, err := h.DB.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w1', 'sprocket', 3)`)
	require.NoError(t, err)

	var count int
	require.NoError(t, h.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM widgets_meta`).Scan(&count))
	require.Equal(t, 3, count) // sentinel + name + weight

	require.Equal(t, int64(1), h.Clock.DBVersion())
}

func TestUpdateThroughCaptureTriggerBumpsColumnVersions(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	createWidgets(t, h)
	augmentWidgets(t, h)

	_, err := h.DB.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w1', 'sprocket', 3)`)
	require.NoError(t, err)
	_, err = h.DB.ExecContext(ctx, `UPDATE widgets SET weight = 5 WHERE id = 'w1'`)
	require.NoError(t, err)

	var version int64
	require.NoError(t, h.DB.QueryRowContext(ctx,
		`SELECT col_version FROM widgets_meta WHERE col_name = 'weight'`).Scan(&version))
	require.Equal(t, int64(2), version)
}

func TestDeleteThroughCaptureTriggerBumpsTombstoneToEven(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	createWidgets(t, h)
	augmentWidgets(t, h)

	_, err := h.DB.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w1', 'sprocket', 3)`)
	require.NoError(t, err)
	_, err = h.DB.ExecContext(ctx, `DELETE FROM widgets WHERE id = 'w1'`)
	require.NoError(t, err)

	var version int64
	require.NoError(t, h.DB.QueryRowContext(ctx,
		`SELECT col_version FROM widgets_meta WHERE col_name = '__TOMBSTONE__'`).Scan(&version))
	require.True(t, version%2 == 0, "tombstone col_version must be even after a delete, got %d", version)
}

func TestHasUnsentChangesReflectsLocalWrites(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	createWidgets(t, h)
	augmentWidgets(t, h)

	has, err := h.HasUnsentChanges(ctx)
	require.NoError(t, err)
	require.False(t, has)

	_, err = h.DB.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w1', 'sprocket', 3)`)
	require.NoError(t, err)

	has, err = h.HasUnsentChanges(ctx)
	require.NoError(t, err)
	require.True(t, has)
}

func TestResetSyncVersionClearsCursors(t *testing.T) {
	ctx := context.Background()
	h := openTestHost(t)
	createWidgets(t, h)
	augmentWidgets(t, h)

	_, err := h.DB.ExecContext(ctx, `INSERT INTO widgets(id, name, weight) VALUES ('w1', 'sprocket', 3)`)
	require.NoError(t, err)

	require.NoError(t, h.ResetSyncVersion(ctx))

	has, err := h.HasUnsentChanges(ctx)
	require.NoError(t, err)
	require.True(t, has, "reset_sync_version must not hide unsent rows, only re-point the cursor to zero")
}
