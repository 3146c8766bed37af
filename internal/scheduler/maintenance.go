package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vegwatch/internal/cachemonitor"
	"vegwatch/internal/jobs"
	"vegwatch/internal/metrics"
)

// Defaults applied by NewMaintenanceService.
const (
	DefaultCleanupAgeDays = 30
	DefaultJobRetention   = 24 * time.Hour
)

// CacheMaintainer is the part of cachemonitor.Monitor used here.
type CacheMaintainer interface {
	Status() cachemonitor.Status
	CleanupOlderThan(ctx context.Context, maxAgeDays int, dryRun bool) (cachemonitor.CleanupResult, error)
}

// JobHistory is the part of jobs.Tracker used here.
type JobHistory interface {
	ClearCompleted(olderThan time.Duration) int
	Stats() jobs.Stats
}

// MaintenanceConfig tunes the tasks.
type MaintenanceConfig struct {
	CleanupAgeDays int
	JobRetention   time.Duration
}

// Report summarises one maintenance run. Fields of tasks that did not run
// stay zero.
type Report struct {
	ReferenceTime time.Time                   `json:"reference_time"`
	Tasks         []TaskType                  `json:"tasks"`
	Cleanup       *cachemonitor.CleanupResult `json:"cleanup,omitempty"`
	JobsCleared   int                         `json:"jobs_cleared"`
	Snapshot      *metrics.Snapshot           `json:"snapshot,omitempty"`
	Errors        []string                    `json:"errors"`
}

// MaintenanceService runs the maintenance tasks.
type MaintenanceService struct {
	cache      CacheMaintainer
	jobs       JobHistory
	publishers []metrics.Publisher
	cfg        MaintenanceConfig
	logger     *slog.Logger
}

// NewMaintenanceService creates a MaintenanceService. history may be nil for
// processes without a tracker (cachectl). Every publisher receives the
// snapshot of TaskPublishMetrics.
func NewMaintenanceService(cache CacheMaintainer, history JobHistory, cfg MaintenanceConfig, logger *slog.Logger, publishers ...metrics.Publisher) *MaintenanceService {
	if cfg.CleanupAgeDays < 1 {
		cfg.CleanupAgeDays = DefaultCleanupAgeDays
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceService{cache: cache, jobs: history, publishers: publishers, cfg: cfg, logger: logger}
}

// Run executes every task in AllTasks order. A failing task does not stop
// the others; their errors are joined.
func (s *MaintenanceService) Run(ctx context.Context, now time.Time) (Report, error) {
	rep := Report{ReferenceTime: now.UTC(), Errors: []string{}}
	var errs []error
	for _, task := range AllTasks {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.dispatch(ctx, task, false, &rep); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task, err))
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", task, err))
		}
	}
	s.logger.InfoContext(ctx, "maintenance run complete",
		"reference_time", rep.ReferenceTime.Format(time.RFC3339),
		"jobs_cleared", rep.JobsCleared,
		"errors", len(errs),
	)
	return rep, errors.Join(errs...)
}

// Handle executes the single task named by payload.
func (s *MaintenanceService) Handle(ctx context.Context, payload MaintenancePayload) (Report, error) {
	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	rep := Report{ReferenceTime: now, Errors: []string{}}

	if payload.Task == "" {
		return rep, fmt.Errorf("empty task type in maintenance payload")
	}
	s.logger.InfoContext(ctx, "maintenance task invoked",
		"task", string(payload.Task),
		"dry_run", payload.DryRun,
		"reference_time", now.Format(time.RFC3339),
	)
	if err := s.dispatch(ctx, payload.Task, payload.DryRun, &rep); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		return rep, fmt.Errorf("task %s failed: %w", payload.Task, err)
	}
	return rep, nil
}

// dispatch routes a TaskType to its implementation and records it in rep.
func (s *MaintenanceService) dispatch(ctx context.Context, task TaskType, dryRun bool, rep *Report) error {
	rep.Tasks = append(rep.Tasks, task)
	switch task {
	case TaskCacheCleanup:
		res, err := s.cache.CleanupOlderThan(ctx, s.cfg.CleanupAgeDays, dryRun)
		if err != nil {
			return err
		}
		rep.Cleanup = &res
		return nil

	case TaskPruneJobs:
		if s.jobs == nil {
			return nil
		}
		rep.JobsCleared = s.jobs.ClearCompleted(s.cfg.JobRetention)
		if rep.JobsCleared > 0 {
			s.logger.InfoContext(ctx, "pruned job history",
				"cleared", rep.JobsCleared,
				"older_than", s.cfg.JobRetention.String(),
			)
		}
		return nil

	case TaskPublishMetrics:
		snap := s.snapshot()
		rep.Snapshot = &snap
		var errs []error
		for _, p := range s.publishers {
			if err := p.Publish(ctx, snap); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)

	default:
		return fmt.Errorf("unknown task type: %s", task)
	}
}

func (s *MaintenanceService) snapshot() metrics.Snapshot {
	st := s.cache.Status()
	snap := metrics.Snapshot{
		CacheBytes:    st.Total.Bytes,
		CacheUsagePct: st.Total.UsagePct,
		CacheFiles:    st.Total.Files,
	}
	if s.jobs != nil {
		snap.Jobs = s.jobs.Stats().StatusCounts
	}
	return snap
}

// Start runs Run every interval until ctx is done. It blocks.
func (s *MaintenanceService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if _, err := s.Run(ctx, t.UTC()); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "maintenance run failed", "error", err)
			}
		}
	}
}
