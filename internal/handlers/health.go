package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HealthCheck is one readiness dependency.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthCheck.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string {
	return c.CheckName
}

func (c CheckFunc) Check(ctx context.Context) error {
	return c.Fn(ctx)
}

// HealthStatus is the body of the health endpoints.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler serves liveness, readiness and version.
type HealthHandler struct {
	logger *zap.Logger
	checks []HealthCheck
	mu     sync.RWMutex
}

// NewHealthHandler creates a handler without checks.
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	return &HealthHandler{logger: logger}
}

// RegisterCheck adds a readiness check.
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// HandleHealth serves /health and /healthz.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleReady serves /ready, running every registered check.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	healthy := true
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if nil != err {
			result.Status = "fail"
			result.Message = err.Error()
			healthy = false

			h.logger.Warn("readiness check failed",
				zap.String("check", check.Name()),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
		}

		status.Checks[check.Name()] = result
	}

	if !healthy {
		status.Status = "unhealthy"
		WriteJSON(w, http.StatusServiceUnavailable, status)
		return
	}

	WriteJSON(w, http.StatusOK, status)
}

// HandleVersion serves /version.
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
