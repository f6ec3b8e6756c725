package network

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/replayfile"
)

// ReplayClient satisfies Client by stepping through a replayfile.Fixture in
// order, one Step per Check call. It never contacts a real server; it
// exists so integration tests can exercise network_sync's cursor
// bookkeeping against a scripted peer, the way the teacher's test suite
// fakes Linear's webhook deliveries with recorded JSON fixtures.
type ReplayClient struct {
	mu      sync.Mutex
	fixture replayfile.Fixture
	next    int
	uploads [][]byte
	token   string
	apiKey  string
}

// NewReplayClient loads a fixture from path and returns a ReplayClient ready
// to be driven through Init/Check/Upload.
func NewReplayClient(path string) (*ReplayClient, error) {
	f, err := replayfile.Load(path)
	if err != nil {
		return nil, err
	}
	return &ReplayClient{fixture: f}, nil
}

func (c *ReplayClient) Init(ctx context.Context, connectionString string) error { return nil }

func (c *ReplayClient) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
	c.uploads = nil
	return nil
}

func (c *ReplayClient) SetToken(t string)  { c.mu.Lock(); c.token = t; c.mu.Unlock() }
func (c *ReplayClient) SetAPIKey(k string) { c.mu.Lock(); c.apiKey = k; c.mu.Unlock() }

func (c *ReplayClient) Logout(ctx context.Context) error {
	c.SetToken("")
	c.SetAPIKey("")
	return nil
}

// Upload records the payload so Uploads can return it; it never fails. The
// fixture's ExpectUploadContains hints are not compared against it.
func (c *ReplayClient) Upload(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, payload)
	return nil
}

// Check returns the fixture's next scripted step, advancing the cursor.
// Running past the end of the script is treated as "nothing ready yet"
// rather than an error, so a replay-backed sync loop terminates cleanly.
func (c *ReplayClient) Check(ctx context.Context, siteID [16]byte, cursor Cursor) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.fixture.Steps) {
		return nil, false, nil
	}
	step := c.fixture.Steps[c.next]
	c.next++

	if step.CheckStatus >= 400 {
		return nil, false, cserr.Newf(cserr.Network, "network: replay step %d scripted status %d", c.next-1, step.CheckStatus)
	}
	if step.CheckEmpty || step.CheckBlobHex == "" {
		return nil, false, nil
	}
	blob, err := hex.DecodeString(step.CheckBlobHex)
	if err != nil {
		return nil, false, cserr.Wrap(cserr.Misuse, err, "network: decoding replay step blob")
	}
	return blob, true, nil
}

// Uploads returns every payload recorded by Upload, for test assertions.
func (c *ReplayClient) Uploads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.uploads))
	copy(out, c.uploads)
	return out
}
