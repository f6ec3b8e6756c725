package cloudsync_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync"
	"github.com/cloudsync-go/cloudsync/internal/network"
)

// pipeClient relays one side's Upload straight into the other side's
// inbound queue, letting two in-process Engines converge through the real
// network_send_changes/network_check_changes path without an HTTP server.
type pipeClient struct {
	mu     sync.Mutex
	peer   *pipeClient
	inbox  [][]byte
	token  string
	apiKey string
}

func newPipePair() (*pipeClient, *pipeClient) {
	a, b := &pipeClient{}, &pipeClient{}
	a.peer, b.peer = b, a
	return a, b
}

func (c *pipeClient) Init(ctx context.Context, connectionString string) error { return nil }
func (c *pipeClient) Cleanup(ctx context.Context) error                      { return nil }
func (c *pipeClient) SetToken(t string)                                      { c.token = t }
func (c *pipeClient) SetAPIKey(k string)                                     { c.apiKey = k }
func (c *pipeClient) Logout(ctx context.Context) error                       { c.token, c.apiKey = "", ""; return nil }

func (c *pipeClient) Upload(ctx context.Context, payload []byte) error {
	c.peer.mu.Lock()
	defer c.peer.mu.Unlock()
	c.peer.inbox = append(c.peer.inbox, payload)
	return nil
}

func (c *pipeClient) Check(ctx context.Context, siteID [16]byte, cursor network.Cursor) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		return nil, false, nil
	}
	blob := c.inbox[0]
	c.inbox = c.inbox[1:]
	return blob, true, nil
}

func openEngine(t *testing.T, client network.Client) *cloudsync.Engine {
	t.Helper()
	// :memory: is private to the single connection sqlhost.Open pools (it
	// never opens more than one), so each Engine gets its own independent
	// database with no risk of collision between the two replicas a test
	// opens, and withInitLock skips its filesystem lock for this literal
	// path.
	e, err := cloudsync.Open(context.Background(), ":memory:", cloudsync.WithNetworkClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func createAndAugmentNotes(t *testing.T, e *cloudsync.Engine) {
	t.Helper()
	ctx := context.Background()
	_, err := e.DB().ExecContext(ctx, `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, e.Augment(ctx, "notes", cloudsync.TableOptions{Algorithm: cloudsync.CausalLengthSet}))
}

// TestTwoReplicasConvergeOnInsert exercises the whole local-write →
// send_changes → check_changes → merge_insert path spec §8 describes as
// the base convergence property, end to end through the public facade.
func TestTwoReplicasConvergeOnInsert(t *testing.T) {
	ctx := context.Background()
	clientA, clientB := newPipePair()

	a := openEngine(t, clientA)
	b := openEngine(t, clientB)
	createAndAugmentNotes(t, a)
	createAndAugmentNotes(t, b)

	_, err := a.DB().ExecContext(ctx, `INSERT INTO notes(id, body) VALUES ('n1', 'from-a')`)
	require.NoError(t, err)

	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	var body string
	require.NoError(t, b.DB().QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'n1'`).Scan(&body))
	require.Equal(t, "from-a", body)
}

// TestLastWriteWinsOnConcurrentUpdate exercises spec §8's LWW tiebreak: two
// replicas both update the same row before syncing; after both sides
// exchange changes, every replica converges on the same winner (the higher
// (col_version, site_id) pair this engine's algorithm picks).
func TestLastWriteWinsOnConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	clientA, clientB := newPipePair()

	a := openEngine(t, clientA)
	b := openEngine(t, clientB)
	createAndAugmentNotes(t, a)
	createAndAugmentNotes(t, b)

	_, err := a.DB().ExecContext(ctx, `INSERT INTO notes(id, body) VALUES ('n1', 'seed')`)
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	_, err = a.DB().ExecContext(ctx, `UPDATE notes SET body = 'from-a' WHERE id = 'n1'`)
	require.NoError(t, err)
	_, err = b.DB().ExecContext(ctx, `UPDATE notes SET body = 'from-b' WHERE id = 'n1'`)
	require.NoError(t, err)

	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))
	require.NoError(t, a.Sync(ctx))

	var bodyA, bodyB string
	require.NoError(t, a.DB().QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'n1'`).Scan(&bodyA))
	require.NoError(t, b.DB().QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'n1'`).Scan(&bodyB))
	require.Equal(t, bodyA, bodyB, "both replicas must converge on the same winning value")
}

// TestDeleteThenResurrectSurvivesSync exercises spec §8's resurrect-after-
// delete property: a delete propagated to a second replica, followed by a
// fresh insert of the same primary key, must bring the row back everywhere
// rather than leaving it permanently tombstoned.
func TestDeleteThenResurrectSurvivesSync(t *testing.T) {
	ctx := context.Background()
	clientA, clientB := newPipePair()

	a := openEngine(t, clientA)
	b := openEngine(t, clientB)
	createAndAugmentNotes(t, a)
	createAndAugmentNotes(t, b)

	_, err := a.DB().ExecContext(ctx, `INSERT INTO notes(id, body) VALUES ('n1', 'seed')`)
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	_, err = a.DB().ExecContext(ctx, `DELETE FROM notes WHERE id = 'n1'`)
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	var count int
	require.NoError(t, b.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM notes WHERE id = 'n1'`).Scan(&count))
	require.Equal(t, 0, count)

	_, err = a.DB().ExecContext(ctx, `INSERT INTO notes(id, body) VALUES ('n1', 'resurrected')`)
	require.NoError(t, err)
	require.NoError(t, a.Sync(ctx))
	require.NoError(t, b.Sync(ctx))

	var body string
	require.NoError(t, b.DB().QueryRowContext(ctx, `SELECT body FROM notes WHERE id = 'n1'`).Scan(&body))
	require.Equal(t, "resurrected", body)
}

// TestSchemaHashChangesAfterAugment exercises spec §4.8: the schema hash
// fingerprints the augmented table set, so adding a table changes it.
func TestSchemaHashChangesAfterAugment(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, network.NewHTTPClient(nil))

	before := e.SchemaHash()

	_, err := e.DB().ExecContext(ctx, `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`)
	require.NoError(t, err)
	require.NoError(t, e.Augment(ctx, "notes", cloudsync.TableOptions{Algorithm: cloudsync.CausalLengthSet}))

	after := e.SchemaHash()
	require.NotEqual(t, before, after)
}

// TestGrowOnlySetRejectsColumnUpdates exercises spec §3's GOS algorithm:
// an UPDATE of a GOS table is rejected by its guard trigger, and the row
// keeps the value it was inserted with.
func TestGrowOnlySetRejectsColumnUpdates(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, network.NewHTTPClient(nil))

	_, err := e.DB().ExecContext(ctx, `CREATE TABLE tags (id TEXT PRIMARY KEY, label TEXT)`)
	require.NoError(t, err)
	require.NoError(t, e.Augment(ctx, "tags", cloudsync.TableOptions{Algorithm: cloudsync.GrowOnlySet}))

	_, err = e.DB().ExecContext(ctx, `INSERT INTO tags(id, label) VALUES ('t1', 'first')`)
	require.NoError(t, err)

	_, err = e.DB().ExecContext(ctx, `UPDATE tags SET label = 'second' WHERE id = 't1'`)
	require.Error(t, err, "a grow-only-set table must reject column updates at the trigger level")

	var label string
	require.NoError(t, e.DB().QueryRowContext(ctx, `SELECT label FROM tags WHERE id = 't1'`).Scan(&label))
	require.Equal(t, "first", label)
}
