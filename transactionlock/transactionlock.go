// Package transactionlock guards a prefix against concurrent mutation by
// more than one transaction at a time. The teacher's SourceMgr instead
// creates a sentinel file with os.O_CREATE|os.O_EXCL and leaves it for the
// next run to find and refuse to start if it's still there, which strands
// a crashed process's lock forever; this uses a real advisory file lock so
// the OS releases it automatically if the holding process dies.
package transactionlock

import (
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	flock "github.com/theckman/go-flock"
)

const lockFileName = "envsolve.lock"

// Lock wraps a single advisory lock file inside a prefix's conda-meta
// directory.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock for the given prefix; it does not acquire anything.
func New(prefixCondaMetaDir string) *Lock {
	path := filepath.Join(prefixCondaMetaDir, lockFileName)
	return &Lock{path: path, fl: flock.NewFlock(path)}
}

// TryLock attempts to acquire the lock without blocking, returning false
// if another process currently holds it.
func (l *Lock) TryLock() (bool, error) {
	locked, err := l.fl.TryLock()
	if err != nil {
		return false, errors.Wrapf(err, "transactionlock: locking %s", l.path)
	}
	return locked, nil
}

// WaitLock polls TryLock until it succeeds, the context-less timeout
// expires, or an error other than "still held" occurs. Used by callers
// that would rather wait briefly for a concurrent transaction to finish
// than fail outright.
func (l *Lock) WaitLock(timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return err
		}
		if locked {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("transactionlock: timed out waiting for lock %s", l.path)
		}
		time.Sleep(pollInterval)
	}
}

// Unlock releases a held lock. Safe to call on a Lock that was never
// successfully acquired; go-flock's Unlock is a no-op in that case.
func (l *Lock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return errors.Wrapf(err, "transactionlock: unlocking %s", l.path)
	}
	return nil
}

// Locked reports whether this Lock instance currently holds the lock.
func (l *Lock) Locked() bool {
	return l.fl.Locked()
}
