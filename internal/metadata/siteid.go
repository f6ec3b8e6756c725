package metadata

import (
	"context"
	"database/sql"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// SiteIDDictionary maps 16-byte site identifiers to small integers so
// per-cell metadata can store an int rather than 16 bytes (spec §3 "A
// site-id dictionary maps observed 16-byte site identifiers to small
// integers"). rowid 0 is reserved for the local site and is never looked up
// through this table — callers special-case it.
type SiteIDDictionary struct {
	db *sql.DB
}

func NewSiteIDDictionary(db *sql.DB) *SiteIDDictionary { return &SiteIDDictionary{db: db} }

// EnsureTable creates the site_id relation if absent, and seeds rowid 0 for
// the local site if it is missing.
func (d *SiteIDDictionary) EnsureTable(ctx context.Context, localSiteID [16]byte) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS site_id (
			rowid   INTEGER PRIMARY KEY,
			site_id BLOB UNIQUE NOT NULL
		)`)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating site_id dictionary")
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO site_id(rowid, site_id) VALUES (0, ?) ON CONFLICT(rowid) DO NOTHING`,
		localSiteID[:])
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: seeding local site id")
	}
	return nil
}

// LocalIndex is the reserved dictionary index for "this replica" (spec §3).
const LocalIndex int64 = 0

// Resolve returns the small integer for a 16-byte site id, minting a new
// entry if it has not been observed before (spec §4.4 "Winner clock
// recording": "site_id is translated through the dictionary relation,
// minting a new id if first seen").
func (d *SiteIDDictionary) Resolve(ctx context.Context, execer Execer, siteID []byte) (int64, error) {
	var idx int64
	err := execer.QueryRowContext(ctx, `SELECT rowid FROM site_id WHERE site_id = ?`, siteID).Scan(&idx)
	if err == nil {
		return idx, nil
	}
	if err != sql.ErrNoRows {
		return 0, cserr.Wrap(cserr.Storage, err, "metadata: resolving site id")
	}
	res, err := execer.ExecContext(ctx, `INSERT INTO site_id(site_id) VALUES (?)`, siteID)
	if err != nil {
		return 0, cserr.Wrap(cserr.Storage, err, "metadata: minting site id")
	}
	return res.LastInsertId()
}

// Lookup resolves a dictionary index back to its 16-byte site id (used when
// projecting the changes vtab and by the merge engine's site-id tiebreak).
// Both callers run on a connection that may already be checked out of the
// pool for an outer statement (the vtab cursor's own SELECT, or merge_insert
// running inside the changes vtab's xUpdate), so Lookup takes an Execer rather than querying
// d.db directly — callers on that reentrant path pass sqlhost's raw-connection
// executor; see internal/sqlhost's rawexec.go doc comment.
func (d *SiteIDDictionary) Lookup(ctx context.Context, execer Execer, idx int64) ([]byte, error) {
	if idx == LocalIndex {
		var self []byte
		if err := execer.QueryRowContext(ctx, `SELECT site_id FROM site_id WHERE rowid = 0`).Scan(&self); err != nil {
			return nil, cserr.Wrap(cserr.Storage, err, "metadata: looking up local site id")
		}
		return self, nil
	}
	var b []byte
	err := execer.QueryRowContext(ctx, `SELECT site_id FROM site_id WHERE rowid = ?`, idx).Scan(&b)
	if err != nil {
		return nil, cserr.Wrap(cserr.Storage, err, "metadata: looking up site id")
	}
	return b, nil
}
