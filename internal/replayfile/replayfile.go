// Package replayfile loads TOML fixtures describing a scripted sequence of
// network responses, used by internal/network's ReplayClient and by
// integration tests that need deterministic "the server sent back this
// payload" behavior without a real HTTP collaborator.
package replayfile

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// Step is one scripted exchange: an expected upload (optional, for
// assertions) and/or a check response to hand back.
type Step struct {
	ExpectUploadContains string `toml:"expect_upload_contains"`
	CheckBlobHex         string `toml:"check_blob_hex"`
	CheckEmpty           bool   `toml:"check_empty"`
	CheckStatus          int    `toml:"check_status"`
}

// Fixture is the root of a replay TOML file: a named connection string and
// an ordered list of steps consumed one per Check call.
type Fixture struct {
	ConnectionString string `toml:"connection_string"`
	Steps            []Step `toml:"step"`
}

// Load reads and parses a replay fixture from path.
func Load(path string) (Fixture, error) {
	var f Fixture
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, cserr.Wrap(cserr.Resource, err, "replayfile: reading "+path)
	}
	if err := toml.Unmarshal(data, &f); err != nil {
		return Fixture{}, cserr.Wrap(cserr.Misuse, err, "replayfile: parsing "+path)
	}
	return f, nil
}
