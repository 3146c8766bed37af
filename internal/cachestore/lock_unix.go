//go:build unix

package cachestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"vegwatch/internal/types"
)

// WithLock runs fn while holding an exclusive flock(2) on path+".lock".
//
// Acquisition is non-blocking with a retry every pollInterval until
// lockTimeout elapses; the lock is released and the lock file removed on every
// exit path. Because the lock file is unlinked on release, a waiter that
// locked an already-unlinked inode re-opens and tries again.
func (s *Store) WithLock(ctx context.Context, path string, fn func() error) error {
	f, err := s.acquire(ctx, path+lockSuffix)
	if err != nil {
		return err
	}
	defer s.release(f)
	return fn()
}

func (s *Store) acquire(ctx context.Context, lockPath string) (*os.File, error) {
	deadline := time.Now().Add(s.lockTimeout)
	for {
		f, err := tryLock(lockPath)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, errStaleLock) {
			return nil, types.NewAppError(types.ErrCodeInternalCacheIO, "failed to lock cache entry", err)
		}
		if !time.Now().Before(deadline) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeCacheLockTimeout,
				"cache entry is locked by another writer",
				fmt.Errorf("%w: %s after %s", ErrLockTimeout, lockPath, s.lockTimeout),
				map[string]any{"timeout_seconds": s.lockTimeout.Seconds()})
		}

		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, types.NewAppError(types.ErrCodeCacheLockTimeout, "lock wait cancelled", errors.Join(ErrLockTimeout, ctx.Err()))
		case <-timer.C:
		}
	}
}

var errStaleLock = errors.New("lock file replaced while acquiring")

func tryLock(lockPath string) (*os.File, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}

	// The previous holder may have unlinked the file after we opened it.
	held, err1 := f.Stat()
	onDisk, err2 := os.Stat(lockPath)
	if err1 != nil || err2 != nil || !os.SameFile(held, onDisk) {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, errStaleLock
	}
	return f, nil
}

func (s *Store) release(f *os.File) {
	name := f.Name()
	// Unlink while still holding the lock so no waiter can lock this inode
	// and believe it owns the path.
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("could not remove lock file", "path", name, "error", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		s.logger.Error("failed to release cache lock", "path", name, "error", err)
	}
	f.Close()
}
