package core

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// healthCheckTimeout bounds all health probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one dependency checked by GET /health.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleLiveness answers GET /healthz without touching any dependency.
func (s *Server) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: s.Config.Build.Version})
}

// HandleHealth runs every probe concurrently under a 2 second deadline and
// answers 200 when all pass, 503 otherwise. Probes still running at the
// deadline are reported as timed out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy", Version: s.Config.Build.Version})
		return
	}

	var (
		mu      sync.Mutex
		results = make(map[string]error, len(probes))
		wg      sync.WaitGroup
	)
	for _, probe := range probes {
		wg.Add(1)
		go func(p HealthProbe) {
			defer wg.Done()
			var err error
			func() {
				defer func() {
					if rvr := recover(); rvr != nil {
						err = fmt.Errorf("probe panicked: %v", rvr)
					}
				}()
				err = p.Check(ctx)
			}()
			mu.Lock()
			results[p.Name()] = err
			mu.Unlock()
		}(probe)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	components := make(map[string]componentStatus, len(probes))
	allHealthy := true
	for _, probe := range probes {
		name := probe.Name()
		err, finished := results[name]
		switch {
		case !finished:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			allHealthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	resp := healthResponse{Version: s.Config.Build.Version, Components: components}
	if allHealthy {
		resp.Status = "healthy"
		JSON(w, r, http.StatusOK, resp)
		return
	}
	resp.Status = "unhealthy"
	JSON(w, r, http.StatusServiceUnavailable, resp)
}

// FuncProbe adapts a function to HealthProbe.
type FuncProbe struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p FuncProbe) Name() string                    { return p.ProbeName }
func (p FuncProbe) Check(ctx context.Context) error { return p.Fn(ctx) }

// DirWritableProbe checks that a file can be created in Dir.
type DirWritableProbe struct {
	ProbeName string
	Dir       string
}

func (p DirWritableProbe) Name() string { return p.ProbeName }

func (p DirWritableProbe) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.CreateTemp(p.Dir, ".health-*")
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
