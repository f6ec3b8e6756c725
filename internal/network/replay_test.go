package network_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/network"
)

func TestReplayClientStepsThroughFixtureInOrder(t *testing.T) {
	c, err := network.NewReplayClient("../../testdata/replay/two_remote_inserts.toml")
	require.NoError(t, err)

	ctx := context.Background()
	var siteID [16]byte

	_, ok, err := c.Check(ctx, siteID, network.Cursor{})
	require.NoError(t, err)
	require.False(t, ok)

	blob, ok, err := c.Check(ctx, siteID, network.Cursor{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello-remote", string(blob))

	_, ok, err = c.Check(ctx, siteID, network.Cursor{})
	require.NoError(t, err)
	require.False(t, ok)

	// Past the end of the script, Check keeps reporting "nothing ready"
	// rather than erroring.
	_, ok, err = c.Check(ctx, siteID, network.Cursor{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReplayClientRecordsUploads(t *testing.T) {
	c, err := network.NewReplayClient("../../testdata/replay/two_remote_inserts.toml")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Upload(ctx, []byte("payload-a")))
	require.NoError(t, c.Upload(ctx, []byte("payload-b")))

	uploads := c.Uploads()
	require.Len(t, uploads, 2)
	require.Equal(t, "payload-a", string(uploads[0]))
	require.Equal(t, "payload-b", string(uploads[1]))
}
