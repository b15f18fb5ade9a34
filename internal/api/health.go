package api

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive confirms the process is alive. Always 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealth aliases the liveness probe.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.HandleHealthLive(w, r)
}

// HandleHealthReady checks every configured dependency concurrently, each
// with its own timeout. 200 if all are healthy, 503 otherwise.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checkers := make(map[string]HealthChecker)
	if s.DBHealth != nil {
		checkers["postgres"] = s.DBHealth
	}
	if s.S3Health != nil {
		checkers["s3"] = s.S3Health
	}
	if len(checkers) == 0 {
		writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: map[string]CheckResult{}})
		return
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(checkers))
		wg     sync.WaitGroup
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(n string, c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()

			res := CheckResult{Status: "ok"}
			if err := c.HealthCheck(ctx); err != nil {
				res = CheckResult{Status: "error", Error: err.Error()}
			}
			mu.Lock()
			checks[n] = res
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	allOK := true
	for _, res := range checks {
		if res.Status != "ok" {
			allOK = false
		}
	}

	resp := ReadinessResponse{Checks: checks}
	if allOK {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Status = "not_ready"
	writeJSON(w, http.StatusServiceUnavailable, resp)
}
