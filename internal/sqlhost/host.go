// Package sqlhost wires the codec/merge/metadata packages to a live SQLite
// connection the way spec.md §5 and §9 describe the engine being loaded: as
// a process that opens one connection, registers a fixed set of SQL
// functions and a virtual table against it, and owns every piece of
// per-connection state (the clock, the site-id dictionary, the statement
// cache) for the lifetime of that connection. It is grounded on the
// teacher's internal/storage/sqlite package — sql.Open("sqlite3", path), a
// single *sql.DB wrapping one connection, and a thin storage facade over
// it — generalized from a fixed issue-tracker schema to an arbitrary set of
// user tables the caller augments at runtime.
package sqlhost

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/cloudsync-go/cloudsync/internal/clock"
	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/identity"
	"github.com/cloudsync-go/cloudsync/internal/merge"
	"github.com/cloudsync-go/cloudsync/internal/metadata"
	"github.com/cloudsync-go/cloudsync/internal/network"
)

// initLockTimeout bounds how long a process waits for another process to
// finish one-shot registration against the same database file.
const initLockTimeout = 5 * time.Second

// Host bundles every per-connection collaborator spec §5 calls out as
// connection-scoped: the clock, the site-id dictionary, the table
// inventory/statement cache (via metadata.Core), the merge engine, and the
// network client. Exactly one Host should exist per open database
// connection, matching the teacher's one-storage-per-process-per-db
// convention.
type Host struct {
	DB *sql.DB

	LocalSiteID [16]byte

	Clock    *clock.Clock
	SiteIDs  *metadata.SiteIDDictionary
	Core     *metadata.Core
	Emitter  *metadata.Emitter
	Merge    *merge.Engine
	Net      network.Client
	observer *rawMaxObserver

	// raw is the single physical connection's low-level handle, captured
	// once during bootstrap (borrowRawConn) and kept for the Host's lifetime so
	// every SQL-function-triggered write (capture triggers, db_version_next,
	// set_merge_equal_values, the changes vtab's xUpdate) can run without
	// re-entering the pooled *sql.DB it was borrowed from (spec §5, and see
	// rawexec.go).
	raw     *sqlite3.Conn
	rawExec rawExec

	MergeEqualValues bool

	syncingMu sync.Mutex
	syncing   map[string]bool

	disabledMu  sync.Mutex
	disabled    map[string]bool
	allDisabled bool
}

// Option customizes Open.
type Option func(*openConfig)

type openConfig struct {
	netClient network.Client
	policy    merge.RowPolicy
}

// WithNetworkClient overrides the default HTTP network collaborator, mainly
// so callers can plug in internal/network.ReplayClient for deterministic
// tests (spec §9's "network collaborator is injectable").
func WithNetworkClient(c network.Client) Option {
	return func(cfg *openConfig) { cfg.netClient = c }
}

// WithRowPolicy installs a will_apply veto hook on every merge (spec §4.6's
// per-payload callback phase).
func WithRowPolicy(p merge.RowPolicy) Option {
	return func(cfg *openConfig) { cfg.policy = p }
}

// Open implements spec §5's connection bootstrap: open the database, ensure
// the bookkeeping relations exist, mint or recover the local site id, load
// the table inventory, build the clock from the live max db_version, and
// register every cloudsync_* SQL function and the cloudsync_changes virtual
// table under the process-wide init lock.
func Open(ctx context.Context, path string, opts ...Option) (*Host, error) {
	cfg := openConfig{netClient: network.NewHTTPClient(nil)}
	for _, o := range opts {
		o(&cfg)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: opening database")
	}
	// More than one pooled connection would give each connection its own
	// copy of the functions/vtab/clock this package registers; the
	// teacher's storage layer makes the same single-connection choice for
	// its own reasons (serializing writers against one file handle).
	db.SetMaxOpenConns(1)

	h := &Host{
		DB:               db,
		MergeEqualValues: true,
		syncing:          make(map[string]bool),
		disabled:         make(map[string]bool),
	}

	if err := withInitLock(path, initLockTimeout, func() error {
		return h.bootstrap(ctx, db, cfg)
	}); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *Host) bootstrap(ctx context.Context, db *sql.DB, cfg openConfig) error {
	if err := metadata.EnsureSettingsTables(ctx, db); err != nil {
		return err
	}
	if err := metadata.PersistTableList(ctx, db); err != nil {
		return err
	}

	siteID, err := loadOrMintSiteID(ctx, db)
	if err != nil {
		return err
	}
	h.LocalSiteID = siteID
	h.SiteIDs = metadata.NewSiteIDDictionary(db)
	if err := h.SiteIDs.EnsureTable(ctx, siteID); err != nil {
		return err
	}

	schema := metadata.NewSchemaRegistry(db)
	if err := schema.EnsureTable(ctx); err != nil {
		return err
	}

	inventory := metadata.NewInventory()
	tables, err := metadata.LoadTableDescriptors(ctx, db)
	if err != nil {
		return err
	}
	inventory.Reset(tables)

	// Capture the single physical connection's raw handle before wiring the
	// clock/emitter/merge engine: those collaborators are called back into
	// synchronously from registered SQL functions running on this very
	// connection (spec §5), so they must write through raw rather than the
	// pooled *sql.DB to avoid re-entering a pool whose only connection is
	// already checked out for the outer statement (see rawexec.go).
	raw, err := borrowRawConn(ctx, db)
	if err != nil {
		return err
	}
	h.raw = raw
	h.rawExec = rawExec{raw: raw}

	h.observer = newRawMaxObserver(raw)
	h.observer.SetTables(shadowNames(tables))
	dbVersion, err := h.observer.MaxDBVersion(ctx)
	if err != nil {
		return err
	}
	h.Clock = clock.New(h.observer, dbVersion)

	if v, ok, err := mergeEqualValuesSetting(ctx, db); err != nil {
		return err
	} else if ok {
		h.MergeEqualValues = v
	}

	h.Core = &metadata.Core{
		DB:        db,
		Inventory: inventory,
		Schema:    schema,
		Stmts:     metadata.NewStatementCache(db),
	}
	h.Emitter = &metadata.Emitter{
		Exec:    h.rawExec,
		Clock:   h.Clock,
		Tables:  inventory,
		SiteIDs: h.SiteIDs,
	}
	h.Merge = merge.New(merge.Dependencies{
		Exec:             h.rawExec,
		Clock:            h.Clock,
		Tables:           inventory,
		SiteIDs:          h.SiteIDs,
		MergeEqualValues: h.MergeEqualValues,
		Policy:           cfg.policy,
	})
	h.Net = cfg.netClient

	if err := h.loadDisabledState(ctx, tables); err != nil {
		return err
	}

	if err := registerFunctions(raw, h); err != nil {
		return cserr.Wrap(cserr.Storage, err, "sqlhost: registering functions")
	}
	return registerChangesModule(raw, h)
}

// borrowRawConn checks out db's one pooled connection just long enough to
// capture its low-level *sqlite3.Conn handle via (*sql.Conn).Raw, then
// returns the *sql.Conn wrapper to the pool. Returning it does not close the
// underlying physical connection (no idle/lifetime eviction is configured,
// and MaxOpenConns(1) means the pool never opens a second one to replace
// it), so the captured pointer keeps working for the Host's entire lifetime
// while ordinary pooled access through db continues to work too.
func borrowRawConn(ctx context.Context, db *sql.DB) (*sqlite3.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "sqlhost: acquiring connection for registration")
	}
	defer conn.Close()

	var raw *sqlite3.Conn
	err = conn.Raw(func(driverConn any) error {
		r, ok := driverConn.(*sqlite3.Conn)
		if !ok {
			return cserr.New(cserr.Storage, "sqlhost: driver connection is not *sqlite3.Conn")
		}
		raw = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// loadOrMintSiteID recovers the local site id from a previously seeded
// site_id dictionary, or mints a fresh one if this is the first time
// cloudsync has been opened against this database (spec §3's "Site
// identity").
func loadOrMintSiteID(ctx context.Context, db *sql.DB) ([16]byte, error) {
	var existing []byte
	err := db.QueryRowContext(ctx, `SELECT site_id FROM site_id WHERE rowid = 0`).Scan(&existing)
	if err == nil {
		if id, ok := identity.ParseSiteID(existing); ok {
			return id, nil
		}
	}
	return identity.NewSiteID()
}

func mergeEqualValuesSetting(ctx context.Context, db *sql.DB) (bool, bool, error) {
	v, ok, err := metadata.GetSetting(ctx, db, metadata.SettingMergeEqualValues)
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, nil
	}
	return v == "1", true, nil
}

func shadowNames(tables []metadata.TableDescriptor) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = metadata.ShadowName(t.Name)
	}
	return names
}

// Close releases the underlying connection. The lock file created by Open
// is left in place (flock releases on process exit or Unlock, not on file
// deletion) so a concurrently starting process always finds a stable path
// to lock against.
func (h *Host) Close() error {
	if err := h.DB.Close(); err != nil {
		return cserr.Wrap(cserr.Storage, err, "sqlhost: closing database")
	}
	return nil
}

// isSyncing backs cloudsync_is_sync(table_name): capture triggers must no-op
// both while a merge_insert driven by the changes vtab is in flight
// (invariant 3: "merge writes never re-trigger capture") and while the
// table's sync has been administratively disabled (spec §6's
// disable(table|*)).
func (h *Host) isSyncing(table string) bool {
	h.syncingMu.Lock()
	suppressed := h.syncing["*"] || h.syncing[table]
	h.syncingMu.Unlock()
	if suppressed {
		return true
	}
	return !h.isEnabledLocked(table)
}

func (h *Host) setSyncing(table string, on bool) {
	h.syncingMu.Lock()
	defer h.syncingMu.Unlock()
	if on {
		h.syncing[table] = true
	} else {
		delete(h.syncing, table)
	}
}

func (h *Host) withSyncSuppressed(fn func() error) error {
	h.setSyncing("*", true)
	defer h.setSyncing("*", false)
	return fn()
}

// Enable implements spec §6's enable(table_name | "*"): clears the
// administrative disable flag, persisting it for table or every currently
// augmented table. It writes through the raw connection since, like
// set_merge_equal_values, it is reachable as a SQL function call from
// inside an already-open statement.
func (h *Host) Enable(ctx context.Context, table string) error {
	return h.setEnabled(ctx, table, true)
}

// Disable implements spec §6's disable(table_name | "*"): sets the
// administrative disable flag, causing isSyncing to report true (and so
// capture triggers to no-op) for every write until re-enabled.
func (h *Host) Disable(ctx context.Context, table string) error {
	return h.setEnabled(ctx, table, false)
}

func (h *Host) setEnabled(ctx context.Context, table string, enabled bool) error {
	value := "1"
	if !enabled {
		value = "0"
	}
	if table == "*" {
		if err := metadata.SetSetting(ctx, h.rawExec, metadata.SettingAllDisabled, value); err != nil {
			return err
		}
		h.disabledMu.Lock()
		h.allDisabled = !enabled
		h.disabledMu.Unlock()
		return nil
	}
	if err := metadata.SetTableSetting(ctx, h.rawExec, table, metadata.TableSettingEnabled, value); err != nil {
		return err
	}
	h.disabledMu.Lock()
	if enabled {
		delete(h.disabled, table)
	} else {
		h.disabled[table] = true
	}
	h.disabledMu.Unlock()
	return nil
}

// IsEnabled implements spec §6's is_enabled(table_name), reading the
// in-memory disable state Enable/Disable and bootstrap maintain.
func (h *Host) IsEnabled(table string) bool {
	return h.isEnabledLocked(table)
}

func (h *Host) isEnabledLocked(table string) bool {
	h.disabledMu.Lock()
	defer h.disabledMu.Unlock()
	if h.allDisabled {
		return false
	}
	return !h.disabled[table]
}

// loadDisabledState populates the in-memory disable cache from persisted
// table_settings at connection-open time, so isSyncing never needs to query
// the database from inside a capture trigger.
func (h *Host) loadDisabledState(ctx context.Context, tables []metadata.TableDescriptor) error {
	if v, ok, err := metadata.GetSetting(ctx, h.DB, metadata.SettingAllDisabled); err != nil {
		return err
	} else if ok {
		h.allDisabled = v == "1"
	}
	for _, td := range tables {
		enabled, err := h.Core.IsTableEnabled(ctx, td.Name)
		if err != nil {
			return err
		}
		if !enabled {
			h.disabled[td.Name] = true
		}
	}
	return nil
}

// Terminate implements spec §6's terminate(): cleans up every augmented
// table's shadow metadata and triggers, then closes the connection. It is
// the only one of the six administrative functions that ends the Host's
// life, so callers must not use h again afterward.
func (h *Host) Terminate(ctx context.Context) error {
	if err := h.Core.Cleanup(ctx, "*"); err != nil {
		return err
	}
	return h.Close()
}
