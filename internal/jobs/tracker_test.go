package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/types"
)

// fakeClock advances one second per call so completion order is strict.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestTracker(maxHistory int) (*Tracker, *fakeClock) {
	clock := newFakeClock()
	return NewTracker(maxHistory, WithClock(clock.Now)), clock
}

func TestTracker_Lifecycle(t *testing.T) {
	tr, _ := newTestTracker(10)

	job, err := tr.Create("j1", "ndvi_geotiff", 3, map[string]any{"bbox": "1,2,3,4"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, tr.Start("j1", "resolving"))
	require.NoError(t, tr.Start("j1", ""), "repeated start is tolerated")

	require.NoError(t, tr.UpdateProgress("j1", Progress{Step: "fetch", IncrementStep: true}))
	got, err := tr.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.CompletedSteps)
	assert.InDelta(t, 33.3, got.ProgressPct, 1e-9)
	assert.Equal(t, "fetch", got.CurrentStep)
	assert.Equal(t, "resolving", got.Message)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, tr.Complete("j1", map[string]any{"file": "ndvi_abc.tif"}, "done"))
	got, err = tr.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.ProgressPct)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, map[string]any{"file": "ndvi_abc.tif"}, got.Result)
}

func TestTracker_DuplicateCreate(t *testing.T) {
	tr, _ := newTestTracker(10)
	_, err := tr.Create("dup", "x", 0, nil)
	require.NoError(t, err)

	_, err = tr.Create("dup", "x", 0, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobExists))
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestTracker_UnknownJob(t *testing.T) {
	tr, _ := newTestTracker(10)
	for name, err := range map[string]error{
		"start":    tr.Start("nope", ""),
		"progress": tr.UpdateProgress("nope", Progress{}),
		"complete": tr.Complete("nope", nil, ""),
		"fail":     tr.Fail("nope", "boom", ""),
		"cancel":   tr.Cancel("nope", ""),
	} {
		assert.True(t, errors.Is(err, ErrJobNotFound), name)
		assert.Equal(t, types.KindNotFound, types.KindOf(err), name)
	}
	_, err := tr.Get("nope")
	assert.True(t, errors.Is(err, ErrJobNotFound))
}

// No operation moves a job out of a terminal state.
func TestTracker_TerminalIsFinal(t *testing.T) {
	finishers := map[string]func(tr *Tracker, id string) error{
		"completed": func(tr *Tracker, id string) error { return tr.Complete(id, nil, "") },
		"failed":    func(tr *Tracker, id string) error { return tr.Fail(id, "boom", "") },
		"cancelled": func(tr *Tracker, id string) error { return tr.Cancel(id, "") },
	}
	for name, finish := range finishers {
		t.Run(name, func(t *testing.T) {
			tr, _ := newTestTracker(10)
			_, err := tr.Create("j", "x", 2, nil)
			require.NoError(t, err)
			require.NoError(t, finish(tr, "j"))
			before, _ := tr.Get("j")

			pct := 10.0
			errs := []error{
				tr.Start("j", ""),
				tr.UpdateProgress("j", Progress{Pct: &pct, IncrementStep: true}),
				tr.Complete("j", "r", ""),
				tr.Fail("j", "again", ""),
				tr.Cancel("j", ""),
			}
			for _, err := range errs {
				assert.True(t, errors.Is(err, ErrJobTerminal))
				assert.Equal(t, types.KindConflict, types.KindOf(err))
			}

			after, _ := tr.Get("j")
			assert.Equal(t, before, after)
		})
	}
}

func TestTracker_ProgressClamped(t *testing.T) {
	tr, _ := newTestTracker(10)
	_, _ = tr.Create("j", "x", 0, nil)

	pct := 150.0
	require.NoError(t, tr.UpdateProgress("j", Progress{Pct: &pct}))
	got, _ := tr.Get("j")
	assert.Equal(t, 100.0, got.ProgressPct)

	pct = -5
	require.NoError(t, tr.UpdateProgress("j", Progress{Pct: &pct, IncrementStep: true}))
	got, _ = tr.Get("j")
	assert.Equal(t, 0.0, got.ProgressPct, "no total steps, so the explicit value stands")
	assert.Equal(t, 1, got.CompletedSteps)
}

func TestTracker_EvictionKeepsMostRecent(t *testing.T) {
	const historyCap = 5
	tr, _ := newTestTracker(historyCap)

	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("job-%02d", i)
		_, err := tr.Create(id, "x", 0, nil)
		require.NoError(t, err)
		require.NoError(t, tr.Complete(id, nil, ""))
	}

	jobs := tr.List(Filter{})
	require.Len(t, jobs, historyCap)
	for i := 7; i < 12; i++ {
		_, err := tr.Get(fmt.Sprintf("job-%02d", i))
		assert.NoError(t, err)
	}
	_, err := tr.Get("job-06")
	assert.True(t, errors.Is(err, ErrJobNotFound))
	assert.Equal(t, 12, tr.Stats().CompletedTotal)
}

func TestTracker_EvictionSparesActiveJobs(t *testing.T) {
	tr, _ := newTestTracker(1)
	_, _ = tr.Create("running", "x", 0, nil)
	require.NoError(t, tr.Start("running", ""))
	_, _ = tr.Create("pending", "x", 0, nil)

	for _, id := range []string{"a", "b", "c"} {
		_, _ = tr.Create(id, "x", 0, nil)
		require.NoError(t, tr.Fail(id, "boom", ""))
	}

	stats := tr.Stats()
	assert.Equal(t, 3, stats.TotalJobs)
	assert.Equal(t, 1, stats.StatusCounts[StatusRunning])
	assert.Equal(t, 1, stats.StatusCounts[StatusPending])
	assert.Equal(t, 1, stats.StatusCounts[StatusFailed])
	assert.Equal(t, 0, stats.StatusCounts[StatusCancelled])
	assert.Equal(t, 3, stats.FailedTotal)

	_, err := tr.Get("c")
	assert.NoError(t, err)
}

func TestTracker_ListFilters(t *testing.T) {
	tr, _ := newTestTracker(10)
	_, _ = tr.Create("a", "ndvi_geotiff", 0, nil)
	_, _ = tr.Create("b", "biopar_geotiff", 0, nil)
	_, _ = tr.Create("c", "ndvi_geotiff", 0, nil)
	require.NoError(t, tr.Complete("c", nil, ""))

	all := tr.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	ndvi := tr.List(Filter{Type: "ndvi_geotiff"})
	assert.Len(t, ndvi, 2)

	done := tr.List(Filter{Status: StatusCompleted})
	require.Len(t, done, 1)
	assert.Equal(t, "c", done[0].ID)

	assert.Len(t, tr.List(Filter{Limit: 2}), 2)
}

func TestTracker_ClearCompleted(t *testing.T) {
	tr, clock := newTestTracker(10)
	_, _ = tr.Create("old", "x", 0, nil)
	require.NoError(t, tr.Complete("old", nil, ""))
	_, _ = tr.Create("active", "x", 0, nil)

	clock.mu.Lock()
	clock.now = clock.now.Add(48 * time.Hour)
	clock.mu.Unlock()

	_, _ = tr.Create("recent", "x", 0, nil)
	require.NoError(t, tr.Cancel("recent", ""))

	assert.Equal(t, 1, tr.ClearCompleted(24*time.Hour))
	_, err := tr.Get("old")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	assert.Equal(t, 1, tr.ClearCompleted(0))
	assert.Len(t, tr.List(Filter{}), 1)
}

func TestTracker_SnapshotsAreIsolated(t *testing.T) {
	tr, _ := newTestTracker(10)
	job, _ := tr.Create("j", "x", 0, map[string]any{"k": "v"})
	job.Metadata["k"] = "mutated"

	got, _ := tr.Get("j")
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tr, _ := newTestTracker(10)
	_, _ = tr.Create("j", "x", 100, nil)
	require.NoError(t, tr.Start("j", ""))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.UpdateProgress("j", Progress{IncrementStep: true})
		}()
	}
	wg.Wait()

	got, _ := tr.Get("j")
	assert.Equal(t, 100, got.CompletedSteps)
	assert.Equal(t, 100.0, got.ProgressPct)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseStatus("done")
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}
