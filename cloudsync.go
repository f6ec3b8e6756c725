// Package cloudsync is the public facade over the local-first CRDT
// replication engine: opening a database, augmenting tables for sync, and
// driving the sync protocol. It exposes a small constructor plus a facade
// type over internal/sqlhost rather than making callers reach into
// internal/ themselves, mirroring the teacher's own root-level beads.go
// shim over internal/beads.
package cloudsync

import (
	"context"
	"database/sql"

	"github.com/cloudsync-go/cloudsync/internal/merge"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/network"
	"github.com/cloudsync-go/cloudsync/internal/sqlhost"
)

// Algorithm names a per-table merge strategy (spec §3).
type Algorithm = metadata.Algo

const (
	CausalLengthSet Algorithm = metadata.AlgoCLS
	DeleteWinsSet   Algorithm = metadata.AlgoDWS
	AddWinsSet      Algorithm = metadata.AlgoAWS
	GrowOnlySet     Algorithm = metadata.AlgoGOS
)

// Cursor is the four-field sync position the engine persists across calls.
type Cursor = network.Cursor

// RowPolicy lets a caller veto individual inbound row applications.
type RowPolicy = merge.RowPolicy

// Option customizes Open.
type Option = sqlhost.Option

// WithNetworkClient overrides the default HTTP sync transport, mainly for
// tests that want a scripted or in-process collaborator instead of real
// HTTP.
func WithNetworkClient(c network.Client) Option { return sqlhost.WithNetworkClient(c) }

// WithRowPolicy installs a will_apply veto hook on every merge.
func WithRowPolicy(p RowPolicy) Option { return sqlhost.WithRowPolicy(p) }

// TableOptions configures Engine.Augment for one table.
type TableOptions struct {
	Algorithm Algorithm
	// ForceIntPK must be set for a single-column INTEGER PRIMARY KEY table,
	// acknowledging that SQLite aliases it to rowid (spec §4.5).
	ForceIntPK bool
}

// Engine is a single augmented database connection: the entry point for
// every operation spec.md §6 exposes (augmenting tables, altering their
// shape, and driving sync).
type Engine struct {
	host *sqlhost.Host
}

// Open opens (or creates) the database at path and prepares it to host the
// replication engine: ensures bookkeeping relations exist, recovers or
// mints this replica's site identity, and rebuilds the table inventory
// from any tables already augmented in a prior session.
func Open(ctx context.Context, path string, opts ...Option) (*Engine, error) {
	h, err := sqlhost.Open(ctx, path, opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{host: h}, nil
}

// Close releases the underlying connection.
func (e *Engine) Close() error { return e.host.Close() }

// SiteID returns this replica's 16-byte site identifier.
func (e *Engine) SiteID() [16]byte { return e.host.LocalSiteID }

// DB returns the single pooled connection Open opened, so callers can run
// their own schema DDL and application queries against the same database
// the capture triggers and SQL functions are registered on. Running
// application queries through any other connection to the same file would
// bypass the registered cloudsync_* functions (spec §5: registration is
// per-connection).
func (e *Engine) DB() *sql.DB { return e.host.DB }

// Augment implements init(table_name, algo?, force_int_pk?) (spec §4.5):
// installs the shadow relation and capture triggers for an existing user
// table and starts tracking its changes.
func (e *Engine) Augment(ctx context.Context, table string, opts TableOptions) error {
	algo := opts.Algorithm
	if algo == "" {
		algo = CausalLengthSet
	}
	td, err := metadata.DescribeTable(ctx, e.host.DB, table, algo, opts.ForceIntPK)
	if err != nil {
		return err
	}
	return e.host.Core.Init(ctx, td)
}

// Cleanup implements cleanup(table_name | "*") (spec §4.5): drops the
// shadow relation, triggers, and per-table settings for table, or every
// augmented table when table is "*".
func (e *Engine) Cleanup(ctx context.Context, table string) error {
	return e.host.Core.Cleanup(ctx, table)
}

// BeginAlter implements begin_alter(table_name) (spec §4.5): opens a
// savepoint and drops table's capture triggers so the caller can run raw
// ALTER TABLE DDL. That DDL must run on the returned session's Tx().
func (e *Engine) BeginAlter(ctx context.Context, table string) (*metadata.AlterSession, error) {
	return e.host.Core.BeginAlter(ctx, table)
}

// CommitAlter implements commit_alter(table_name) (spec §4.5): reconciles
// the shadow relation against the table's post-DDL shape and closes out
// the savepoint BeginAlter opened.
func (e *Engine) CommitAlter(ctx context.Context, session *metadata.AlterSession, opts TableOptions) error {
	algo := opts.Algorithm
	if algo == "" {
		algo = CausalLengthSet
	}
	td, err := metadata.DescribeTable(ctx, session.Tx(), session.Table(), algo, opts.ForceIntPK)
	if err != nil {
		return err
	}
	return e.host.Core.CommitAlter(ctx, session, td)
}

// NetworkInit binds the sync transport to connectionString (spec §6's
// network_init).
func (e *Engine) NetworkInit(ctx context.Context, connectionString string) error {
	return e.host.Net.Init(ctx, connectionString)
}

// NetworkCleanup tears down the sync transport's configuration.
func (e *Engine) NetworkCleanup(ctx context.Context) error { return e.host.Net.Cleanup(ctx) }

// SetToken attaches a bearer token to subsequent sync requests.
func (e *Engine) SetToken(token string) { e.host.Net.SetToken(token) }

// SetAPIKey attaches an API key to subsequent sync requests.
func (e *Engine) SetAPIKey(key string) { e.host.Net.SetAPIKey(key) }

// Logout clears credentials and resets the sync cursor.
func (e *Engine) Logout(ctx context.Context) error {
	if err := e.host.Net.Logout(ctx); err != nil {
		return err
	}
	return e.host.ResetSyncVersion(ctx)
}

// HasUnsentChanges reports whether any local change has not yet been sent.
func (e *Engine) HasUnsentChanges(ctx context.Context) (bool, error) {
	return e.host.HasUnsentChanges(ctx)
}

// SendChanges uploads every locally authored change past the send cursor.
func (e *Engine) SendChanges(ctx context.Context) error { return e.host.SendChanges(ctx) }

// CheckChanges polls for and applies one inbound payload, returning the
// number of rows merged.
func (e *Engine) CheckChanges(ctx context.Context) (int, error) { return e.host.CheckChanges(ctx) }

// Sync sends then checks, implementing network_sync().
func (e *Engine) Sync(ctx context.Context) error { return e.host.Sync(ctx) }

// ResetSyncVersion clears every persisted sync cursor.
func (e *Engine) ResetSyncVersion(ctx context.Context) error {
	return e.host.ResetSyncVersion(ctx)
}

// SchemaHash returns the current fingerprint of every augmented table's
// shape (spec §4.8).
func (e *Engine) SchemaHash() uint64 {
	return metadata.SchemaHash(e.host.Core.Inventory.Tables())
}

// Enable implements enable(table_name | "*") (spec §6): clears the
// administrative disable flag so capture triggers resume firing for table,
// or every augmented table when table is "*".
func (e *Engine) Enable(ctx context.Context, table string) error {
	return e.host.Enable(ctx, table)
}

// Disable implements disable(table_name | "*") (spec §6): sets the
// administrative disable flag so capture triggers no-op for table, or every
// augmented table when table is "*", until re-enabled.
func (e *Engine) Disable(ctx context.Context, table string) error {
	return e.host.Disable(ctx, table)
}

// IsEnabled implements is_enabled(table_name) (spec §6).
func (e *Engine) IsEnabled(table string) bool { return e.host.IsEnabled(table) }

// Terminate implements terminate() (spec §6): cleans up every augmented
// table's shadow metadata and triggers, then closes the connection. The
// Engine must not be used after Terminate returns.
func (e *Engine) Terminate(ctx context.Context) error { return e.host.Terminate(ctx) }
