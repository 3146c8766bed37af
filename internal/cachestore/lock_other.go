//go:build !unix

package cachestore

import (
	"context"
	"sync"
)

var pathLocks sync.Map // path -> *sync.Mutex

// WithLock serializes writers inside this process only. flock(2) is not
// available on this platform, so cross-process writers fall back to
// last-writer-wins on the atomic rename.
func (s *Store) WithLock(ctx context.Context, path string, fn func() error) error {
	mu, _ := pathLocks.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()
	return fn()
}
