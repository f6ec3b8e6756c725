package metadata

import (
	"context"
	"database/sql"
	"hash/fnv"
	"sort"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// SchemaHash computes the stable 64-bit fingerprint of spec §4.8: a hash of
// the concatenated, lowercased table-shape text of every augmented table,
// ordered by name. FNV-1a is used for its stability across Go versions and
// platforms (no seeding, no map iteration order dependency), which matters
// because the hash is compared byte-for-byte across replicas on the wire.
func SchemaHash(tables []TableDescriptor) uint64 {
	sorted := append([]TableDescriptor(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := fnv.New64a()
	for _, t := range sorted {
		_, _ = h.Write([]byte(t.CreateTableText()))
		_, _ = h.Write([]byte{'\n'})
	}
	return h.Sum64()
}

// SchemaRegistry persists the set of (hash, seq) pairs of spec §4.8 in the
// schema_versions relation, one row per schema this replica has ever
// adopted, seq increasing monotonically so insertion order is recoverable.
type SchemaRegistry struct {
	db *sql.DB
}

func NewSchemaRegistry(db *sql.DB) *SchemaRegistry { return &SchemaRegistry{db: db} }

// EnsureTable creates the schema_versions relation if absent.
func (r *SchemaRegistry) EnsureTable(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			hash INTEGER PRIMARY KEY,
			seq  INTEGER NOT NULL
		)`)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: creating schema_versions")
	}
	return nil
}

// Record inserts hash into the registry if it is not already present,
// assigning it the next seq. Called on every successful init/cleanup/
// commit_alter (spec §4.8).
func (r *SchemaRegistry) Record(ctx context.Context, execer Execer, hash uint64) error {
	var maxSeq sql.NullInt64
	if err := execer.QueryRowContext(ctx, `SELECT MAX(seq) FROM schema_versions`).Scan(&maxSeq); err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: reading schema_versions max seq")
	}
	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}
	_, err := execer.ExecContext(ctx,
		`INSERT INTO schema_versions(hash, seq) VALUES (?, ?) ON CONFLICT(hash) DO NOTHING`,
		int64(hash), next)
	if err != nil {
		return cserr.Wrap(cserr.Storage, err, "metadata: recording schema hash")
	}
	return nil
}

// Known reports whether hash has ever been adopted locally, i.e. whether an
// inbound payload claiming that schema_hash should be accepted (spec §4.8).
func (r *SchemaRegistry) Known(ctx context.Context, hash uint64) bool {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM schema_versions WHERE hash = ?`, int64(hash)).Scan(&one)
	return err == nil
}

// RowScanner is the part of *sql.Row an Execer's QueryRowContext must return.
// It exists so an Execer backed by a raw sqlite3 connection (sqlhost's
// reentrant-safe executor, which has no *sql.Row of its own to hand back)
// can still satisfy the interface.
type RowScanner interface {
	Scan(dest ...any) error
}

// Rows is the part of *sql.Rows an Execer's QueryContext must return.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Execer is implemented by DBExecer, TxExecer, and sqlhost's raw-connection
// executor, letting callers record metadata as part of a caller-owned
// transaction, the pooled connection, or a borrowed raw connection that must
// not re-enter the connection pool (spec §5's capture triggers run
// synchronously inside a statement already holding the pool's one
// connection). QueryRowContext/QueryContext return RowScanner/Rows rather
// than *sql.Row/*sql.Rows so the raw-connection executor, which has neither,
// can satisfy the interface too — which is also why *sql.DB and *sql.Tx need
// the DBExecer/TxExecer wrappers below rather than satisfying Execer
// directly.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) RowScanner
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
}

// DBExecer adapts a *sql.DB to Execer.
type DBExecer struct{ DB *sql.DB }

func (e DBExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.DB.ExecContext(ctx, query, args...)
}

func (e DBExecer) QueryRowContext(ctx context.Context, query string, args ...any) RowScanner {
	return e.DB.QueryRowContext(ctx, query, args...)
}

func (e DBExecer) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.DB.QueryContext(ctx, query, args...)
}

// TxExecer adapts a *sql.Tx to Execer.
type TxExecer struct{ Tx *sql.Tx }

func (e TxExecer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.Tx.ExecContext(ctx, query, args...)
}

func (e TxExecer) QueryRowContext(ctx context.Context, query string, args ...any) RowScanner {
	return e.Tx.QueryRowContext(ctx, query, args...)
}

func (e TxExecer) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return e.Tx.QueryContext(ctx, query, args...)
}
