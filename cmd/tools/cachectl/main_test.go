package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vegwatch/internal/cachemonitor"
	"vegwatch/internal/scheduler"
)

const (
	oldArtifact   = "ndvi_0123456789abcdef.tif"
	freshArtifact = "ndvi_fedcba9876543210.tif"
)

func setupCache(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CACHE_DIR", dir)
	t.Setenv("CACHE_CLEANUP_AGE_DAYS", "30")
	t.Setenv("CLOUDWATCH_ENABLED", "false")

	for name, age := range map[string]time.Duration{
		oldArtifact:   45 * 24 * time.Hour,
		freshArtifact: time.Hour,
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0o644))
		mtime := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (int, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, &stdout, &stderr
}

func TestStatus(t *testing.T) {
	setupCache(t)

	code, stdout, _ := runCLI(t, "status")
	require.Equal(t, 0, code)

	var st cachemonitor.Status
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &st))
	assert.Equal(t, 2, st.Total.Files)
	assert.Equal(t, int64(4096), st.Total.Bytes)
}

func TestRecommendations(t *testing.T) {
	setupCache(t)

	code, stdout, _ := runCLI(t, "recommendations")
	require.Equal(t, 0, code)

	var recs cachemonitor.Recommendations
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &recs))
	assert.True(t, recs.HasRecommendations, "a 45 day old file is flagged")
}

func TestCleanup(t *testing.T) {
	dir := setupCache(t)

	code, stdout, _ := runCLI(t, "cleanup")
	require.Equal(t, 0, code)
	var res cachemonitor.CleanupResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.DeletedFiles)
	assert.FileExists(t, filepath.Join(dir, oldArtifact))

	code, _, _ = runCLI(t, "cleanup", "--max-age-days=30", "--dry-run=false")
	require.Equal(t, 0, code)
	assert.NoFileExists(t, filepath.Join(dir, oldArtifact))
	assert.FileExists(t, filepath.Join(dir, freshArtifact))

	code, _, _ = runCLI(t, "cleanup", "--max-age-days=0")
	assert.Equal(t, 1, code)
}

func TestRunTask(t *testing.T) {
	dir := setupCache(t)

	code, stdout, _ := runCLI(t, "run", "--task=cache_cleanup", "--dry-run", "--reference-time=2026-02-06T03:00:00Z")
	require.Equal(t, 0, code)
	var rep scheduler.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))
	assert.Equal(t, []scheduler.TaskType{scheduler.TaskCacheCleanup}, rep.Tasks)
	require.NotNil(t, rep.Cleanup)
	assert.True(t, rep.Cleanup.DryRun)
	assert.FileExists(t, filepath.Join(dir, oldArtifact))

	code, stdout, _ = runCLI(t, "run")
	require.Equal(t, 0, code)
	rep = scheduler.Report{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))
	assert.Equal(t, scheduler.AllTasks, rep.Tasks)
	require.NotNil(t, rep.Snapshot)
	assert.Equal(t, 1, rep.Snapshot.CacheFiles)
	assert.NoFileExists(t, filepath.Join(dir, oldArtifact))
}

func TestRunTask_ListAndErrors(t *testing.T) {
	setupCache(t)

	code, stdout, _ := runCLI(t, "run", "--list")
	require.Equal(t, 0, code)
	for _, task := range scheduler.AllTasks {
		assert.Contains(t, stdout.String(), string(task))
	}

	code, _, stderr := runCLI(t, "run", "--task=vacuum")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), `unknown task "vacuum"`)

	code, _, stderr = runCLI(t, "run", "--reference-time=yesterday")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "invalid --reference-time")
}

func TestUsageErrors(t *testing.T) {
	setupCache(t)

	code, _, stderr := runCLI(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Usage: cachectl")

	code, _, stderr = runCLI(t, "defrag")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), `unknown command "defrag"`)

	code, _, _ = runCLI(t, "cleanup", "--bogus")
	assert.Equal(t, 1, code)
}
