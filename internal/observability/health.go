package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Check statuses.
const (
	CheckOK    = "ok"
	CheckError = "error"
)

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a ping function, such as pgxpool.Pool.Ping, to
// HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks holds the dependencies probed by /ready. TemplatesLoaded is
// always evaluated; the remaining checkers are skipped when nil.
type ReadinessChecks struct {
	TemplatesLoaded func() bool

	StateStore       HealthChecker
	SnapshotProvider HealthChecker
	IdempotencyStore HealthChecker
	EventBus         HealthChecker
}

var errNoTemplates = errors.New("no workflow templates registered")

// named flattens the configured checks into a name to checker map.
func (c ReadinessChecks) named() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"templates": CheckFunc(func(context.Context) error {
			if c.TemplatesLoaded == nil || !c.TemplatesLoaded() {
				return errNoTemplates
			}
			return nil
		}),
	}
	for name, checker := range map[string]HealthChecker{
		"state_store":       c.StateStore,
		"snapshot_provider": c.SnapshotProvider,
		"idempotency_store": c.IdempotencyStore,
		"event_bus":         c.EventBus,
	} {
		if checker != nil {
			out[name] = checker
		}
	}
	return out
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, HealthResponse{
			Status:  CheckOK,
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady serves the readiness endpoint. Checks run concurrently, each
// bounded by its own timeout; any failure reports 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		named := checks.named()
		results := make(map[string]CheckResult, len(named))

		var mu sync.Mutex
		var wg sync.WaitGroup
		for name, checker := range named {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, res := range results {
			if res.Status != CheckOK {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeStatus(w, status, resp)
	}
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := CheckResult{Status: CheckOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = CheckError
		res.Error = err.Error()
	}
	return res
}

func writeStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
