// Package clock implements the per-connection db_version/seq clock engine
// of spec.md §4.2. State here is owned exclusively by one connection (see
// spec §5, §9 "per-connection global state") — callers are responsible for
// stashing one *Clock per host connection rather than sharing it.
package clock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// MaxObserver scans the local maximum db_version across all augmented
// tables' shadow relations, backing the "max(observed+1, pending,
// merging)" rule. Implementations cache the prepared UNION query and
// invalidate it when the schema version changes (spec §4.2).
type MaxObserver interface {
	MaxDBVersion(ctx context.Context) (int64, error)
}

// Clock holds the two logical clocks of one connection.
type Clock struct {
	mu sync.Mutex

	observer MaxObserver

	dbVersion        int64 // last committed value
	pendingDBVersion int64 // 0 means "no pending value this transaction"
	hasPending       bool
	seq              int32
}

// New creates a clock bound to a schema-aware max-observer. dbVersion is the
// last committed value, typically recovered at connection open time by a
// direct MaxDBVersion scan.
func New(observer MaxObserver, dbVersion int64) *Clock {
	return &Clock{observer: observer, dbVersion: dbVersion}
}

// DBVersion returns the last committed db_version (the db_version() SQL
// function of §6).
func (c *Clock) DBVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbVersion
}

// Seq returns the current, not-yet-consumed seq value (the seq() SQL
// function of §6).
func (c *Clock) Seq() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// NoMerging is the sentinel value of Next's merging argument meaning "no
// incoming merging version was supplied", matching db_version_next(merging =
// none) in spec.
const NoMerging int64 = -1

// Next implements db_version_next(merging?). It must be called at the first
// mutation of a transaction (and before emitting any metadata row);
// subsequent calls within the same transaction return the already-decided
// pending value, extended upward if a later, even-newer merging version
// arrives mid-transaction (e.g. a payload batch spanning several incoming
// db_versions).
func (c *Clock) Next(ctx context.Context, merging int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	observed, err := c.observer.MaxDBVersion(ctx)
	if err != nil {
		return 0, cserr.Wrap(cserr.Storage, err, "clock: observing max db_version")
	}

	candidate := observed + 1
	if c.hasPending && c.pendingDBVersion > candidate {
		candidate = c.pendingDBVersion
	}
	if merging != NoMerging && merging > candidate {
		candidate = merging
	}
	if c.dbVersion >= candidate {
		candidate = c.dbVersion + 1
	}

	c.pendingDBVersion = candidate
	c.hasPending = true
	return candidate, nil
}

// Pending returns the transaction's not-yet-committed db_version, or
// (0, false) if no mutation has happened yet this transaction.
func (c *Clock) Pending() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingDBVersion, c.hasPending
}

// BumpSeq implements bump_seq(): returns the current seq and increments it.
// seq is bounded to 2^30 so that the composite rowid (db_version<<30 | seq)
// stays within an int64 (spec §3).
func (c *Clock) BumpSeq() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq >= 1<<30 {
		return 0, cserr.New(cserr.Resource, "clock: seq overflowed 2^30 within one transaction")
	}
	s := c.seq
	c.seq++
	return s, nil
}

// Commit implements the commit-hook transition: db_version <- pending;
// pending <- none; seq <- 0.
func (c *Clock) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasPending {
		c.dbVersion = c.pendingDBVersion
	}
	c.hasPending = false
	c.pendingDBVersion = 0
	c.seq = 0
}

// Rollback implements the rollback-hook transition: pending <- none; seq <- 0.
func (c *Clock) Rollback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPending = false
	c.pendingDBVersion = 0
	c.seq = 0
}

// Rowid computes the composite rowid (db_version << 30 | seq) used for the
// shadow relation's RETURNING rowid statements (spec §3, §4.9).
func Rowid(dbVersion int64, seq int32) (int64, error) {
	if seq < 0 || seq >= 1<<30 {
		return 0, cserr.Newf(cserr.Misuse, "clock: seq %d out of range for rowid packing", seq)
	}
	return (dbVersion << 30) | int64(seq), nil
}

// SQLMaxObserver is the default MaxObserver: it caches a prepared UNION
// query over all augmented tables' shadow relations and re-prepares it
// whenever the supplied schema version changes, matching spec §4.2's
// caching requirement.
type SQLMaxObserver struct {
	mu            sync.Mutex
	db            *sql.DB
	schemaVersion int64
	stmt          *sql.Stmt
	tables        []string
}

// NewSQLMaxObserver constructs an observer against db with no tables yet
// registered; call SetTables whenever the table inventory changes.
func NewSQLMaxObserver(db *sql.DB) *SQLMaxObserver {
	return &SQLMaxObserver{db: db, schemaVersion: -1}
}

// SetTables updates the list of shadow relation names (already suffixed
// with _meta) the UNION query should scan, bumping schemaVersion so the
// cached prepared statement is invalidated.
func (o *SQLMaxObserver) SetTables(tables []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tables = append([]string(nil), tables...)
	o.schemaVersion++
	if o.stmt != nil {
		_ = o.stmt.Close()
		o.stmt = nil
	}
}

func (o *SQLMaxObserver) MaxDBVersion(ctx context.Context) (int64, error) {
	o.mu.Lock()
	if len(o.tables) == 0 {
		o.mu.Unlock()
		return 0, nil
	}
	if o.stmt == nil {
		query := buildUnionQuery(o.tables)
		stmt, err := o.db.PrepareContext(ctx, query)
		if err != nil {
			o.mu.Unlock()
			return 0, fmt.Errorf("clock: preparing max db_version union: %w", err)
		}
		o.stmt = stmt
	}
	stmt := o.stmt
	o.mu.Unlock()

	var max sql.NullInt64
	if err := stmt.QueryRowContext(ctx).Scan(&max); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func buildUnionQuery(tables []string) string {
	query := ""
	for i, t := range tables {
		if i > 0 {
			query += " UNION ALL "
		}
		query += fmt.Sprintf("SELECT COALESCE(MAX(db_version), 0) AS m FROM %q", t)
	}
	return "SELECT COALESCE(MAX(m), 0) FROM (" + query + ")"
}
