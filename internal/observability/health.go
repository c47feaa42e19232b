package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/signoff/internal/approval"
)

const defaultCheckTimeout = 3 * time.Second

// ApprovalCounter reports registry occupancy. *approval.Registry implements it.
type ApprovalCounter interface {
	Stats() approval.Stats
}

// HealthChecker answers the liveness and readiness endpoints. Readiness runs
// every registered check concurrently under one timeout and reports the
// registry's approval counts alongside the results.
type HealthChecker struct {
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.RWMutex
	checks    []namedCheck
	approvals ApprovalCounter
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status    string                 `json:"status"` // "ok" or "degraded"
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Approvals *approval.Stats        `json:"approvals,omitempty"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no checks.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HealthChecker{logger: logger, timeout: defaultCheckTimeout}
}

// WithTimeout bounds a readiness run.
func (h *HealthChecker) WithTimeout(d time.Duration) *HealthChecker {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// WithApprovals reports c's counts in every status.
func (h *HealthChecker) WithApprovals(c ApprovalCounter) *HealthChecker {
	h.mu.Lock()
	h.approvals = c
	h.mu.Unlock()
	return h
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks = append(h.checks, namedCheck{name: name, fn: check})
	h.mu.Unlock()
}

// CheckHealth is the liveness answer: "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", Approvals: h.stats()}
}

// CheckReady runs the checks and reports "degraded" if any fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok", Approvals: h.stats()}
	if len(checks) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Go(func() {
			start := time.Now()
			err := c.fn(ctx)
			results[i] = CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
			}
		})
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		status.Checks[c.name] = results[i]
		if results[i].Status == "fail" {
			status.Status = "degraded"
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.String("error", results[i].Message),
				slog.Int64("latency_ms", results[i].LatencyMS),
			)
		}
	}
	return status
}

func (h *HealthChecker) stats() *approval.Stats {
	h.mu.RLock()
	c := h.approvals
	h.mu.RUnlock()
	if c == nil {
		return nil
	}
	s := c.Stats()
	return &s
}
