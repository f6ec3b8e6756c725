// Package network implements the network collaborator of spec.md §6: the
// thin wrappers over an HTTP agent that upload payload blobs, notify the
// server, and poll for inbound changes. The engine's sync cursors
// (send_db_version, send_seq, check_db_version, check_seq) are persisted in
// the settings relation by the caller, not by this package — Client is
// stateless across calls on purpose, mirroring the teacher's pattern of
// keeping network collaborators free of ambient state so they are easy to
// fake in tests.
package network

import (
	"context"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// Cursor is the four-field sync position spec §6 requires the engine to
// persist across network_send_changes / network_check_changes calls.
type Cursor struct {
	SendDBVersion  int64
	SendSeq        int32
	CheckDBVersion int64
	CheckSeq       int32
}

// Client implements the network_* SQL functions of spec §6. Every method
// is synchronous from the engine's perspective (spec §5: "The HTTP
// collaborator is assumed synchronous"); callers that want timeouts
// provide them through ctx.
type Client interface {
	// Init binds the client to a connection string (spec's
	// network_init(connection_string)); SetToken/SetAPIKey attach
	// credentials used by subsequent calls.
	Init(ctx context.Context, connectionString string) error
	Cleanup(ctx context.Context) error
	SetToken(token string)
	SetAPIKey(key string)

	// Upload PUTs payload and POSTs the notify referencing it, per spec
	// §6's "Sync protocol".
	Upload(ctx context.Context, payload []byte) error

	// Check polls GET /<site_id>/<db_version>/<seq>/check. ok is false on a
	// 200-empty "nothing ready yet" response; blob is the inbound payload
	// when ok is true.
	Check(ctx context.Context, siteID [16]byte, cursor Cursor) (blob []byte, ok bool, err error)

	Logout(ctx context.Context) error
}

// RetryPolicy describes retry/backoff bounds for network_sync. Host.Sync in
// internal/sqlhost does not read it: it makes a single send-then-check
// attempt and returns the first error.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff int64 // milliseconds
	MaxBackoff  int64 // milliseconds
}

var ErrNotConfigured = cserr.New(cserr.Network, "network: client has no connection string configured")
