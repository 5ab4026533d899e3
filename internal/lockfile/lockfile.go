// Package lockfile implements the single-writer-per-directory guarantee: a
// writable Storage acquires an exclusive, empty `.lock` file at open and
// removes it at close. A second writer that tries to open the same
// directory fails immediately with LockHeldError rather than blocking,
// since this is cross-process coordination with no owner to wait on.
package lockfile

import (
	"os"

	"github.com/albe/eventstore/pkg/errors"
)

// Lock is a held directory lock. The zero value is not usable; obtain one
// with Acquire.
type Lock struct {
	path string
}

// Acquire creates the lock file at path, failing with LockHeldError if it
// already exists. No pack example wires a third-party cross-process
// advisory-lock library directly; O_EXCL create-lock is the idiomatic Go
// pattern for this exact "one owner" use case, so this is one of the few
// places this engine reaches for the standard library over a dependency.
func Acquire(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.NewLockHeldError(path)
		}
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to create lock file").WithPath(path)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to close lock file").WithPath(path)
	}
	return &Lock{path: path}, nil
}

// Reclaim removes a stale lock file left behind by a writer that crashed
// without releasing it, then acquires a fresh one. Callers are expected to
// have already decided reclamation is appropriate (e.g. via an operator
// flag or a reclaim-timeout policy); Reclaim itself does not judge
// staleness.
func Reclaim(path string) (*Lock, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to remove stale lock file").WithPath(path)
	}
	return Acquire(path)
}

// Release removes the lock file, allowing another writer to acquire it.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to release lock file").WithPath(l.path)
	}
	return nil
}

// Exists reports whether a lock file is currently present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
