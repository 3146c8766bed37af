// Package jobs tracks the progress of long-running operations such as async
// raster renders.
//
// The tracker is an in-memory registry guarded by a single mutex. A job moves
// pending → running → {completed | failed | cancelled} and never leaves a
// terminal state. Terminal jobs beyond the history cap are evicted oldest
// completion first; pending and running jobs are never evicted.
package jobs

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vegwatch/internal/types"
)

var (
	// ErrJobExists is wrapped when a job id is registered twice.
	ErrJobExists = errors.New("jobs: job already exists")
	// ErrJobNotFound is wrapped when an id is unknown or was evicted.
	ErrJobNotFound = errors.New("jobs: job not found")
	// ErrJobTerminal is wrapped when a finished job is asked to change.
	ErrJobTerminal = errors.New("jobs: job is in a terminal state")
)

// DefaultMaxHistory is the number of terminal jobs kept in memory.
const DefaultMaxHistory = 1000

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// ParseStatus accepts the lowercase status names.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", types.NewAppErrorWithDetails(types.ErrCodeValidationOutOfRange,
		fmt.Sprintf("unknown job status %q", s), nil, map[string]any{"allowed": AllStatuses})
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of a tracked operation.
type Job struct {
	ID             string         `json:"job_id"`
	Type           string         `json:"job_type"`
	Status         Status         `json:"status"`
	ProgressPct    float64        `json:"progress_pct"`
	CurrentStep    string         `json:"current_step,omitempty"`
	TotalSteps     int            `json:"total_steps,omitempty"`
	CompletedSteps int            `json:"completed_steps"`
	Message        string         `json:"message,omitempty"`
	Result         any            `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	seq uint64
}

func (j *Job) snapshot() Job {
	out := *j
	if j.Metadata != nil {
		out.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Progress describes a progress update. Zero fields are left unchanged.
type Progress struct {
	// Pct is clamped to [0, 100].
	Pct     *float64
	Step    string
	Message string
	// IncrementStep bumps CompletedSteps and, when TotalSteps is known,
	// derives Pct from the step ratio.
	IncrementStep bool
}

// Stats summarizes the registry.
type Stats struct {
	TotalJobs      int            `json:"total_jobs"`
	CompletedTotal int            `json:"completed_total"`
	FailedTotal    int            `json:"failed_total"`
	StatusCounts   map[Status]int `json:"status_counts"`
	MaxHistory     int            `json:"max_history"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// Tracker is the job registry. It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	maxHistory int
	seq        uint64
	completed  int
	failed     int

	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker keeping at most maxHistory terminal jobs.
// A non-positive cap uses DefaultMaxHistory.
func NewTracker(maxHistory int, opts ...Option) *Tracker {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	t := &Tracker{
		jobs:       make(map[string]*Job),
		maxHistory: maxHistory,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a pending job. totalSteps may be 0 when unknown.
func (t *Tracker) Create(id, jobType string, totalSteps int, metadata map[string]any) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.jobs[id]; ok {
		return Job{}, types.NewAppErrorWithDetails(types.ErrCodeConflictJobExists,
			"job already exists", ErrJobExists, map[string]any{"job_id": id})
	}
	t.seq++
	j := &Job{
		ID:         id,
		Type:       jobType,
		Status:     StatusPending,
		TotalSteps: totalSteps,
		Metadata:   metadata,
		CreatedAt:  t.now().UTC(),
		seq:        t.seq,
	}
	t.jobs[id] = j
	t.logger.Info("job created", "job_id", id, "job_type", jobType)
	return j.snapshot(), nil
}

// Start moves a pending job to running. Starting a running job again is a
// no-op.
func (t *Tracker) Start(id, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.mutable(id)
	if err != nil {
		return err
	}
	if j.Status == StatusRunning {
		return nil
	}
	now := t.now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	if message != "" {
		j.Message = message
	}
	t.logger.Info("job started", "job_id", id)
	return nil
}

// UpdateProgress applies p to a pending or running job.
func (t *Tracker) UpdateProgress(id string, p Progress) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.mutable(id)
	if err != nil {
		return err
	}
	if p.Pct != nil {
		j.ProgressPct = clampPct(*p.Pct)
	}
	if p.Step != "" {
		j.CurrentStep = p.Step
	}
	if p.Message != "" {
		j.Message = p.Message
	}
	if p.IncrementStep {
		j.CompletedSteps++
		if j.TotalSteps > 0 {
			j.ProgressPct = clampPct(float64(j.CompletedSteps) / float64(j.TotalSteps) * 100)
		}
	}
	return nil
}

// Complete finishes a job successfully.
func (t *Tracker) Complete(id string, result any, message string) error {
	return t.finish(id, StatusCompleted, func(j *Job) {
		j.ProgressPct = 100
		if result != nil {
			j.Result = result
		}
		if message != "" {
			j.Message = message
		}
	})
}

// Fail finishes a job with an error.
func (t *Tracker) Fail(id, errMsg, message string) error {
	return t.finish(id, StatusFailed, func(j *Job) {
		j.Error = errMsg
		if message != "" {
			j.Message = message
		}
	})
}

// Cancel finishes a job without a result.
func (t *Tracker) Cancel(id, message string) error {
	return t.finish(id, StatusCancelled, func(j *Job) {
		if message != "" {
			j.Message = message
		}
	})
}

func (t *Tracker) finish(id string, status Status, apply func(*Job)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.mutable(id)
	if err != nil {
		return err
	}
	now := t.now().UTC()
	j.Status = status
	j.CompletedAt = &now
	apply(j)

	switch status {
	case StatusCompleted:
		t.completed++
		t.logger.Info("job completed", "job_id", id)
	case StatusFailed:
		t.failed++
		t.logger.Error("job failed", "job_id", id, "error", j.Error)
	default:
		t.logger.Info("job cancelled", "job_id", id)
	}

	t.evict()
	return nil
}

// mutable returns the live job if it exists and can still change.
// Caller holds the lock.
func (t *Tracker) mutable(id string) (*Job, error) {
	j, ok := t.jobs[id]
	if !ok {
		return nil, notFound(id)
	}
	if j.Status.Terminal() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictJobState,
			fmt.Sprintf("job is already %s", j.Status), ErrJobTerminal,
			map[string]any{"job_id": id, "status": j.Status})
	}
	return j, nil
}

// evict drops the oldest terminal jobs until at most maxHistory remain.
// Caller holds the lock.
func (t *Tracker) evict() {
	finished := t.terminalLocked()
	excess := len(finished) - t.maxHistory
	if excess <= 0 {
		return
	}
	sort.Slice(finished, func(a, b int) bool {
		ca, cb := finished[a].CompletedAt, finished[b].CompletedAt
		if !ca.Equal(*cb) {
			return ca.Before(*cb)
		}
		return finished[a].seq < finished[b].seq
	})
	for _, j := range finished[:excess] {
		delete(t.jobs, j.ID)
		t.logger.Debug("job evicted from history", "job_id", j.ID)
	}
}

func (t *Tracker) terminalLocked() []*Job {
	var out []*Job
	for _, j := range t.jobs {
		if j.Status.Terminal() {
			out = append(out, j)
		}
	}
	return out
}

// Get returns a snapshot of the job.
func (t *Tracker) Get(id string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return Job{}, notFound(id)
	}
	return j.snapshot(), nil
}

// Filter selects jobs for List. Empty fields match everything.
type Filter struct {
	Status Status
	Type   string
	Limit  int
}

// List returns matching jobs, newest first.
func (t *Tracker) List(f Filter) []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	matched := make([]*Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].seq > matched[b].seq
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}

	out := make([]Job, len(matched))
	for i, j := range matched {
		out[i] = j.snapshot()
	}
	return out
}

// Stats returns registry counters. Completed and failed totals include
// evicted jobs.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, j := range t.jobs {
		counts[j.Status]++
	}
	return Stats{
		TotalJobs:      len(t.jobs),
		CompletedTotal: t.completed,
		FailedTotal:    t.failed,
		StatusCounts:   counts,
		MaxHistory:     t.maxHistory,
	}
}

// ClearCompleted removes terminal jobs that finished more than olderThan ago,
// or every terminal job when olderThan is zero. Returns the number removed.
func (t *Tracker) ClearCompleted(olderThan time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-olderThan)
	removed := 0
	for _, j := range t.terminalLocked() {
		if olderThan > 0 && !j.CompletedAt.Before(cutoff) {
			continue
		}
		delete(t.jobs, j.ID)
		removed++
	}
	t.logger.Info("cleared terminal jobs", "count", removed, "older_than", olderThan.String())
	return removed
}

func notFound(id string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundJob,
		"job not found", ErrJobNotFound, map[string]any{"job_id": id})
}

func clampPct(v float64) float64 {
	return types.RoundTo(min(100, max(0, v)), 1)
}
