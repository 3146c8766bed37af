// Package cachemonitor reports cache disk usage against configured limits
// and evicts files by age.
//
// Every call rescans the directory trees; nothing is cached between calls.
// Files that vanish while a scan or cleanup is running are skipped.
package cachemonitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"vegwatch/internal/cachestore"
	"vegwatch/internal/types"
)

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
	day        = 24 * time.Hour

	// DefaultPattern matches every file below a cache directory.
	DefaultPattern = "**"

	noExtension = "no_extension"
)

// AlertLevel is the usage state of the cache as a whole.
type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Dir is a named cache directory.
type Dir struct {
	Name string
	Path string
}

// Config sets the monitored directories and thresholds.
type Config struct {
	Dirs        []Dir
	MaxSizeMB   int64
	WarningPct  float64
	CriticalPct float64
	// CleanupPattern is a doublestar glob, relative to each directory, that
	// selects the files eligible for age-based cleanup.
	CleanupPattern string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for ages and cutoffs.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Monitor scans cache directories.
type Monitor struct {
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	openDir func(dir string) fs.FS
}

// New validates cfg and returns a Monitor.
func New(cfg Config, opts ...Option) (*Monitor, error) {
	if cfg.CleanupPattern == "" {
		cfg.CleanupPattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(cfg.CleanupPattern) {
		return nil, fmt.Errorf("cachemonitor: invalid cleanup pattern %q", cfg.CleanupPattern)
	}
	if cfg.CriticalPct < cfg.WarningPct {
		return nil, fmt.Errorf("cachemonitor: critical threshold %.1f%% is below warning threshold %.1f%%",
			cfg.CriticalPct, cfg.WarningPct)
	}
	m := &Monitor{cfg: cfg, now: time.Now, logger: slog.Default(), openDir: os.DirFS}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// DirStats is the result of scanning one directory tree.
type DirStats struct {
	Name              string         `json:"name"`
	Path              string         `json:"path"`
	TotalFiles        int            `json:"total_files"`
	TotalBytes        int64          `json:"total_size_bytes"`
	TotalSizeMB       float64        `json:"total_size_mb"`
	TotalSizeGB       float64        `json:"total_size_gb"`
	OldestFile        string         `json:"oldest_file,omitempty"`
	OldestFileAgeDays *float64       `json:"oldest_file_age_days"`
	NewestFile        string         `json:"newest_file,omitempty"`
	FileTypes         map[string]int `json:"file_types"`

	oldest time.Time
	newest time.Time
}

// inFlight reports whether p belongs to a write that has not been published:
// a temporary file or a lock file.
func inFlight(p string) bool {
	base := path.Base(p)
	return cachestore.IsTemp(base) || cachestore.IsLock(base)
}

// Scan walks d and accumulates size, age and extension statistics. A missing
// directory yields empty statistics. In-flight temp and lock files are not
// counted.
func (m *Monitor) Scan(d Dir) DirStats {
	st := DirStats{Name: d.Name, Path: d.Path, FileTypes: map[string]int{}}

	if _, err := os.Stat(d.Path); err != nil {
		m.logger.Warn("cache directory unavailable", "dir", d.Path, "error", err)
		return st
	}

	now := m.now()
	err := doublestar.GlobWalk(m.openDir(d.Path), DefaultPattern, func(p string, e fs.DirEntry) error {
		if inFlight(p) {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			// Removed between listing and stat.
			return nil
		}
		st.TotalFiles++
		st.TotalBytes += info.Size()
		st.FileTypes[extension(p)]++

		mt := info.ModTime()
		if st.oldest.IsZero() || mt.Before(st.oldest) {
			st.oldest = mt
			st.OldestFile = path.Base(p)
		}
		if st.newest.IsZero() || mt.After(st.newest) {
			st.newest = mt
			st.NewestFile = path.Base(p)
		}
		return nil
	}, doublestar.WithFilesOnly())
	if err != nil {
		m.logger.Error("cache scan failed", "dir", d.Path, "error", err)
	}

	st.TotalSizeMB = types.RoundTo(float64(st.TotalBytes)/bytesPerMB, 2)
	st.TotalSizeGB = types.RoundTo(float64(st.TotalBytes)/bytesPerGB, 3)
	if !st.oldest.IsZero() {
		st.OldestFileAgeDays = types.Float(types.RoundTo(now.Sub(st.oldest).Hours()/24, 1))
	}
	return st
}

func extension(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return noExtension
	}
	return ext
}

// Totals aggregates every directory.
type Totals struct {
	Files       int     `json:"files"`
	Bytes       int64   `json:"size_bytes"`
	SizeMB      float64 `json:"size_mb"`
	SizeGB      float64 `json:"size_gb"`
	UsagePct    float64 `json:"usage_pct"`
	MaxSizeMB   int64   `json:"max_size_mb"`
	AvailableMB float64 `json:"available_mb"`
}

// Thresholds echoes the configured alert levels.
type Thresholds struct {
	WarningPct  float64 `json:"warning_pct"`
	CriticalPct float64 `json:"critical_pct"`
}

// Status is the cache-wide usage report.
type Status struct {
	Level       AlertLevel `json:"status"`
	Message     string     `json:"message,omitempty"`
	Total       Totals     `json:"total"`
	Thresholds  Thresholds `json:"thresholds"`
	Directories []DirStats `json:"directories"`
}

// Status scans every directory and compares usage to the thresholds.
func (m *Monitor) Status() Status {
	dirs := make([]DirStats, 0, len(m.cfg.Dirs))
	var total Totals
	for _, d := range m.cfg.Dirs {
		st := m.Scan(d)
		dirs = append(dirs, st)
		total.Files += st.TotalFiles
		total.Bytes += st.TotalBytes
	}

	maxBytes := m.cfg.MaxSizeMB * bytesPerMB
	usage := 0.0
	if maxBytes > 0 {
		usage = float64(total.Bytes) / float64(maxBytes) * 100
	}
	sizeMB := float64(total.Bytes) / bytesPerMB
	total.SizeMB = types.RoundTo(sizeMB, 2)
	total.SizeGB = types.RoundTo(float64(total.Bytes)/bytesPerGB, 3)
	total.UsagePct = types.RoundTo(usage, 2)
	total.MaxSizeMB = m.cfg.MaxSizeMB
	total.AvailableMB = types.RoundTo(float64(m.cfg.MaxSizeMB)-sizeMB, 2)

	level, msg := m.alert(usage)
	return Status{
		Level:       level,
		Message:     msg,
		Total:       total,
		Thresholds:  Thresholds{WarningPct: m.cfg.WarningPct, CriticalPct: m.cfg.CriticalPct},
		Directories: dirs,
	}
}

func (m *Monitor) alert(usage float64) (AlertLevel, string) {
	switch {
	case usage >= m.cfg.CriticalPct:
		return AlertCritical, fmt.Sprintf("Cache usage at %.1f%% (critical threshold: %.0f%%)", usage, m.cfg.CriticalPct)
	case usage >= m.cfg.WarningPct:
		return AlertWarning, fmt.Sprintf("Cache usage at %.1f%% (warning threshold: %.0f%%)", usage, m.cfg.WarningPct)
	default:
		return AlertOK, ""
	}
}

// Recommendation is one suggested cleanup action.
type Recommendation struct {
	Directory string `json:"directory"`
	Reason    string `json:"reason"`
	Action    string `json:"action"`
	Priority  string `json:"priority"`
}

// Recommendations lists cleanup suggestions.
type Recommendations struct {
	HasRecommendations bool             `json:"has_recommendations"`
	Count              int              `json:"count"`
	Items              []Recommendation `json:"recommendations"`
}

const (
	largeDirMB     = 500
	veryLargeDirMB = 1000
	oldFileDays    = 30
	veryOldDays    = 60
)

// Recommendations flags large directories and directories holding old files.
func (m *Monitor) Recommendations() Recommendations {
	items := []Recommendation{}
	for _, d := range m.cfg.Dirs {
		st := m.Scan(d)
		if st.TotalFiles == 0 {
			continue
		}
		sizeMB := float64(st.TotalBytes) / bytesPerMB
		age := 0.0
		if st.OldestFileAgeDays != nil {
			age = *st.OldestFileAgeDays
		}

		if sizeMB > largeDirMB {
			priority := "medium"
			if sizeMB > veryLargeDirMB {
				priority = "high"
			}
			items = append(items, Recommendation{
				Directory: st.Name,
				Reason:    fmt.Sprintf("Large cache size: %.1f MB", sizeMB),
				Action:    fmt.Sprintf("Consider cleaning files older than %.0f days", age),
				Priority:  priority,
			})
		}
		if age > oldFileDays {
			priority := "low"
			if age > veryOldDays {
				priority = "medium"
			}
			items = append(items, Recommendation{
				Directory: st.Name,
				Reason:    fmt.Sprintf("Old files present (oldest: %.0f days)", age),
				Action:    fmt.Sprintf("Consider running cache cleanup for files older than %d days", oldFileDays),
				Priority:  priority,
			})
		}
	}
	return Recommendations{HasRecommendations: len(items) > 0, Count: len(items), Items: items}
}

// CleanupResult reports what a cleanup removed, or would remove in dry-run
// mode.
type CleanupResult struct {
	DryRun        bool     `json:"dry_run"`
	MaxAgeDays    int      `json:"max_age_days"`
	DeletedFiles  int      `json:"deleted_files"`
	DeletedBytes  int64    `json:"deleted_size_bytes"`
	DeletedSizeMB float64  `json:"deleted_size_mb"`
	Errors        []string `json:"errors"`
}

// CleanupOlderThan removes files matching the cleanup pattern whose
// modification time is more than maxAgeDays ago. Temp and lock files of
// writes in progress are left alone. With dryRun nothing is deleted.
// Per-file failures are collected, not fatal.
func (m *Monitor) CleanupOlderThan(ctx context.Context, maxAgeDays int, dryRun bool) (CleanupResult, error) {
	if maxAgeDays < 1 {
		return CleanupResult{}, types.NewAppErrorWithDetails(types.ErrCodeValidationOutOfRange,
			"max_age_days must be at least 1", nil, map[string]any{"max_age_days": maxAgeDays})
	}

	res := CleanupResult{DryRun: dryRun, MaxAgeDays: maxAgeDays, Errors: []string{}}
	cutoff := m.now().Add(-time.Duration(maxAgeDays) * day)

	for _, d := range m.cfg.Dirs {
		if _, err := os.Stat(d.Path); err != nil {
			continue
		}
		err := doublestar.GlobWalk(m.openDir(d.Path), m.cfg.CleanupPattern, func(p string, e fs.DirEntry) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if inFlight(p) {
				return nil
			}
			info, err := e.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				return nil
			}
			if !dryRun {
				full := filepath.Join(d.Path, filepath.FromSlash(p))
				if err := os.Remove(full); err != nil {
					if !errors.Is(err, fs.ErrNotExist) {
						res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", path.Base(p), err))
					}
					return nil
				}
				m.logger.InfoContext(ctx, "deleted old cache file", "dir", d.Name, "file", p)
			}
			res.DeletedFiles++
			res.DeletedBytes += info.Size()
			return nil
		}, doublestar.WithFilesOnly())
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.Name, err))
		}
	}

	res.DeletedSizeMB = types.RoundTo(float64(res.DeletedBytes)/bytesPerMB, 2)
	m.logger.InfoContext(ctx, "cache cleanup finished",
		"dry_run", dryRun, "max_age_days", maxAgeDays,
		"files", res.DeletedFiles, "bytes", res.DeletedBytes, "errors", len(res.Errors))
	return res, nil
}
