package sqlhost

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// withInitLock guards the one-shot cloudsync_* function/vtab registration
// against two OS processes opening the same database file concurrently
// (spec §5: "a process-wide registry of the extension's auto-init hook may
// be registered once at load time"). The lock file sits next to the
// database rather than inside it, so it never pollutes the schema an
// in-memory database would otherwise have none of.
func withInitLock(dbPath string, timeout time.Duration, fn func() error) error {
	if dbPath == "" || dbPath == ":memory:" {
		// In-memory databases are never shared across processes; skip the
		// filesystem lock entirely rather than racing flock against a
		// path that doesn't name a real file.
		return fn()
	}

	fl := flock.New(dbPath + ".cloudsync-lock")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return cserr.Wrap(cserr.Resource, err, "sqlhost: acquiring init lock")
	}
	if !locked {
		return cserr.Newf(cserr.Resource, "sqlhost: timed out acquiring init lock for %s", dbPath)
	}
	defer fl.Unlock()

	return fn()
}
