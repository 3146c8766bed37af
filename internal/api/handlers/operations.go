package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vegwatch/internal/cachemonitor"
	"vegwatch/internal/core"
	"vegwatch/internal/jobs"
	"vegwatch/internal/types"
)

const (
	defaultJobListLimit   = 50
	maxJobListLimit       = 1000
	defaultCleanupAgeDays = 30
	maxCleanupAgeDays     = 3650
	maxClearAgeHours      = 24 * 365
)

// CacheMonitor is the contract of cachemonitor.Monitor used by the handler.
type CacheMonitor interface {
	Status() cachemonitor.Status
	Recommendations() cachemonitor.Recommendations
	CleanupOlderThan(ctx context.Context, maxAgeDays int, dryRun bool) (cachemonitor.CleanupResult, error)
}

// JobTracker is the contract of jobs.Tracker used by the handler.
type JobTracker interface {
	Get(id string) (jobs.Job, error)
	List(f jobs.Filter) []jobs.Job
	Stats() jobs.Stats
	ClearCompleted(olderThan time.Duration) int
}

// OperationsHandler serves the cache and job diagnostics.
type OperationsHandler struct {
	cache  CacheMonitor
	jobs   JobTracker
	logger *slog.Logger
}

// NewOperationsHandler creates an OperationsHandler.
func NewOperationsHandler(cache CacheMonitor, tracker JobTracker, logger *slog.Logger) *OperationsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationsHandler{cache: cache, jobs: tracker, logger: logger}
}

// RegisterRoutes mounts /cache and /jobs on the root router.
func (h *OperationsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/cache", func(r chi.Router) {
		r.Get("/status", h.HandleCacheStatus)
		r.Get("/recommendations", h.HandleCacheRecommendations)
		r.Post("/cleanup", h.HandleCacheCleanup)
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.HandleListJobs)
		r.Get("/stats", h.HandleJobStats)
		r.Delete("/completed", h.HandleClearCompleted)
		r.Get("/{id}", h.HandleGetJob)
	})
}

// HandleCacheStatus handles GET /cache/status.
func (h *OperationsHandler) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, h.cache.Status())
}

// HandleCacheRecommendations handles GET /cache/recommendations.
func (h *OperationsHandler) HandleCacheRecommendations(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, h.cache.Recommendations())
}

// HandleCacheCleanup handles POST /cache/cleanup. dry_run defaults to true so
// a bare call only reports what would be removed.
func (h *OperationsHandler) HandleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	p := newQueryParams(r.URL.Query())
	days, err := p.intParam("max_age_days", defaultCleanupAgeDays, 0, maxCleanupAgeDays)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	dryRun, err := p.boolParam("dry_run", true)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.cache.CleanupOlderThan(r.Context(), days, dryRun)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	types.LoggerFromContext(r.Context(), h.logger).Info("cache cleanup requested",
		"max_age_days", days,
		"dry_run", dryRun,
		"deleted_files", res.DeletedFiles,
	)
	core.JSON(w, r, http.StatusOK, res)
}

// HandleListJobs handles GET /jobs?status=&type=&limit=&offset=. job_type is
// an alias of type.
func (h *OperationsHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	p := newQueryParams(r.URL.Query())

	var f jobs.Filter
	if raw := p.str("status"); raw != "" {
		st, err := jobs.ParseStatus(raw)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		f.Status = st
	}
	f.Type = p.str("type")
	if f.Type == "" {
		f.Type = p.str("job_type")
	}
	limit, err := p.intParam("limit", defaultJobListLimit, 1, maxJobListLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	offset, err := p.intParam("offset", 0, 0, maxJobListLimit*10)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	page, info := types.Paginate(h.jobs.List(f), offset, limit)
	core.JSON(w, r, http.StatusOK, types.ListResponse[jobs.Job]{Data: page, PageInfo: info})
}

// HandleJobStats handles GET /jobs/stats.
func (h *OperationsHandler) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, h.jobs.Stats())
}

// HandleGetJob handles GET /jobs/{id}.
func (h *OperationsHandler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, job)
}

type clearCompletedResponse struct {
	Cleared        int  `json:"cleared"`
	OlderThanHours *int `json:"older_than_hours"`
}

// HandleClearCompleted handles DELETE /jobs/completed. Without
// older_than_hours every terminal job is removed.
func (h *OperationsHandler) HandleClearCompleted(w http.ResponseWriter, r *http.Request) {
	p := newQueryParams(r.URL.Query())
	resp := clearCompletedResponse{}
	var olderThan time.Duration
	if p.str("older_than_hours") != "" {
		hours, err := p.intParam("older_than_hours", 0, 0, maxClearAgeHours)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		olderThan = time.Duration(hours) * time.Hour
		resp.OlderThanHours = &hours
	}
	resp.Cleared = h.jobs.ClearCompleted(olderThan)
	core.JSON(w, r, http.StatusOK, resp)
}
