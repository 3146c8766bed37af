package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeHealth(t *testing.T, rec *httptest.ResponseRecorder) healthResponse {
	t.Helper()
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeHealth(t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestHandleHealth_Probes(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.HealthProbes = []HealthProbe{
		FuncProbe{ProbeName: "cache", Fn: func(context.Context) error { return nil }},
		FuncProbe{ProbeName: "cdse_token", Fn: func(context.Context) error { return errors.New("token url unset") }},
		FuncProbe{ProbeName: "broken", Fn: func(context.Context) error { panic("boom") }},
	}

	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeHealth(t, rec)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, componentStatus{Status: "healthy"}, resp.Components["cache"])
	assert.Equal(t, componentStatus{Status: "unhealthy", Message: "token url unset"}, resp.Components["cdse_token"])
	assert.Equal(t, "unhealthy", resp.Components["broken"].Status)
	assert.Contains(t, resp.Components["broken"].Message, "probe panicked")
}

func TestHandleHealth_ProbeTimeout(t *testing.T) {
	srv := newTestServer(t, nil)
	release := make(chan struct{})
	defer close(release)
	srv.HealthProbes = []HealthProbe{
		FuncProbe{ProbeName: "stuck", Fn: func(context.Context) error {
			<-release
			return nil
		}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.HandleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "health check timed out", decodeHealth(t, rec).Components["stuck"].Message)
}

func TestDirWritableProbe(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, DirWritableProbe{ProbeName: "cache", Dir: dir}.Check(context.Background()))

	missing := DirWritableProbe{ProbeName: "cache", Dir: filepath.Join(dir, "absent")}
	err := missing.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory not writable")
}
