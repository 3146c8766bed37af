// Package cachestore persists cache artifacts on local disk.
//
// Every write goes to a temporary file in the destination directory, is
// fsynced, then renamed over the final path while an advisory lock on
// "<path>.lock" is held. Readers never lock: rename is atomic, so the final
// path holds either the previous complete file or the new complete file.
package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vegwatch/internal/types"
)

// ErrLockTimeout is wrapped by the AppError returned when the lock on a cache
// path cannot be acquired in time.
var ErrLockTimeout = errors.New("cachestore: lock timeout")

const (
	DefaultLockTimeout  = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond

	lockSuffix = ".lock"
	tempPrefix = ".tmp_"
)

// Sidecar is the JSON metadata written next to a raster artifact.
type Sidecar struct {
	Name      string          `json:"name"`
	Indicator types.Indicator `json:"indicator"`
	Start     string          `json:"start"`
	End       string          `json:"end"`
	BBox      types.BBox      `json:"bbox"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Version   string          `json:"version"`
	Source    string          `json:"source"`
	Params    map[string]any  `json:"params,omitempty"`
	Bytes     int64           `json:"bytes"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Store reads and writes artifacts under a single root directory.
type Store struct {
	dir          string
	lockTimeout  time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// beforeRename runs after the temp file is durable and before it replaces
	// the target. Tests use it to simulate a crash mid-write.
	beforeRename func(tmpPath string) error
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a writer waits for the path lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithPollInterval sets the delay between non-blocking lock attempts.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.pollInterval = d }
}

// WithClock injects the time source used for age checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates the root directory if needed and returns a Store rooted there.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:          dir,
		lockTimeout:  DefaultLockTimeout,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: create %s: %w", dir, err)
	}
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute location of name inside the store.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// WriteAtomic replaces name with data. On any failure the previous content
// of name, if any, is left untouched.
func (s *Store) WriteAtomic(ctx context.Context, name string, data []byte) error {
	target := s.Path(name)
	return s.WithLock(ctx, target, func() error {
		return s.writeFile(target, data)
	})
}

// WriteJSON encodes v and writes it atomically.
func (s *Store) WriteJSON(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to encode cache entry", err)
	}
	return s.WriteAtomic(ctx, name, data)
}

// WriteArtifact writes a raster and its sidecar. The sidecar is written last so
// its presence implies a complete raster.
func (s *Store) WriteArtifact(ctx context.Context, name string, data []byte, meta Sidecar) error {
	if err := s.WriteAtomic(ctx, name, data); err != nil {
		return err
	}
	meta.Name = name
	meta.Bytes = int64(len(data))
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = s.now().UTC()
	}
	return s.WriteJSON(ctx, sidecarName(name), meta)
}

// ReadIfValid returns the content of name when it exists and, for a positive
// maxAge, is no older than maxAge. A missing or expired entry is a miss
// (nil, false, nil); expired files are left for the evictor.
func (s *Store) ReadIfValid(name string, maxAge time.Duration) ([]byte, bool, error) {
	path := s.Path(name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalCacheIO, "failed to stat cache entry", err)
	}
	if maxAge > 0 && s.now().Sub(info.ModTime()) > maxAge {
		s.logger.Debug("cache entry expired", "name", name, "age", s.now().Sub(info.ModTime()).Round(time.Second), "max_age", maxAge)
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Evicted between stat and read.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalCacheIO, "failed to read cache entry", err)
	}
	return data, true, nil
}

// ReadJSON decodes a valid entry into v. A corrupt entry is reported as a miss
// so the caller refetches and overwrites it.
func (s *Store) ReadJSON(name string, maxAge time.Duration, v any) (bool, error) {
	data, ok, err := s.ReadIfValid(name, maxAge)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("discarding corrupt cache entry", "name", name, "error", err)
		return false, nil
	}
	return true, nil
}

// ReadSidecar loads the metadata written next to a raster.
func (s *Store) ReadSidecar(name string) (Sidecar, bool, error) {
	var meta Sidecar
	ok, err := s.ReadJSON(sidecarName(name), 0, &meta)
	return meta, ok, err
}

// Stat returns the file info of name when it is present.
func (s *Store) Stat(name string) (fs.FileInfo, bool) {
	info, err := os.Stat(s.Path(name))
	if err != nil || info.IsDir() {
		return nil, false
	}
	return info, true
}

// Exists reports whether name is present regardless of age.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

func (s *Store) writeFile(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to create cache directory", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*"+filepath.Ext(target))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to close temp file", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return types.NewAppError(types.ErrCodeInternalCacheIO, "write interrupted", err)
		}
	}

	if err := os.Rename(tmpPath, target); err != nil {
		return types.NewAppError(types.ErrCodeInternalCacheIO, "failed to commit cache entry", err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		s.logger.Debug("directory sync failed", "dir", dir, "error", err)
	}
	s.logger.Debug("cache entry written", "path", target, "bytes", len(data))
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func sidecarName(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)] + ".json"
}

// IsTemp reports whether a directory entry is an in-progress write.
func IsTemp(name string) bool {
	return len(name) >= len(tempPrefix) && name[:len(tempPrefix)] == tempPrefix
}

// IsLock reports whether a directory entry is a lock file.
func IsLock(name string) bool {
	return filepath.Ext(name) == lockSuffix
}
