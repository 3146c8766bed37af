// Package scheduler implements the periodic maintenance of the API process:
// age-based cache eviction, job history pruning and cache usage metrics.
//
// The same tasks run on a ticker inside cmd/api and on demand from
// cmd/tools/cachectl.
package scheduler

import "time"

// TaskType identifies one maintenance task.
type TaskType string

const (
	TaskCacheCleanup   TaskType = "cache_cleanup"
	TaskPruneJobs      TaskType = "prune_jobs"
	TaskPublishMetrics TaskType = "publish_metrics"
)

// AllTasks lists the tasks in the order Run executes them.
var AllTasks = []TaskType{TaskCacheCleanup, TaskPruneJobs, TaskPublishMetrics}

// MaintenancePayload selects a task for Handle.
//
//	{
//	  "task": "cache_cleanup",
//	  "dry_run": true,
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// DryRun reports what cache_cleanup would delete without deleting it.
	DryRun bool `json:"dry_run,omitempty"`
	// ReferenceTime overrides "now" in logs and the report. If nil,
	// time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
