// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor provides health checking for a gateway node: named checks,
// some of them critical, plus runtime information, served over HTTP.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusUnknown   = "unknown"
)

// DefaultCheckTimeout bounds a single check.
const DefaultCheckTimeout = 2 * time.Second

// MaxGoroutines is the threshold of the default goroutine check.
const MaxGoroutines = 100000

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// HealthCheck represents a health check function
type HealthCheck struct {
	Name        string
	CheckFunc   CheckFunc
	Critical    bool
	LastChecked time.Time
	LastError   error
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Version    string                 `json:"version"`
	Node       string                 `json:"node"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Message     string    `json:"message,omitempty"`
	Critical    bool      `json:"critical"`
}

// SystemInfo contains runtime information.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`
}

// HealthChecker runs the registered checks. The node is healthy while every
// critical check passes.
type HealthChecker struct {
	node    string
	version string
	started time.Time
	timeout time.Duration
	logger  *zap.Logger

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	checks    map[string]*HealthCheck
}

// NewHealthChecker creates a checker with the default goroutine check.
func NewHealthChecker(node, version string, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		node:    node,
		version: version,
		started: time.Now(),
		timeout: DefaultCheckTimeout,
		logger:  logger.Named("health"),
		healthy: true,
		checks:  make(map[string]*HealthCheck),
	}
	hc.RegisterCheck("goroutines", func(context.Context) error {
		if n := runtime.NumGoroutine(); n > MaxGoroutines {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	}, false)
	return hc
}

// RegisterCheck registers or replaces a named check.
func (hc *HealthChecker) RegisterCheck(name string, fn CheckFunc, critical bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = &HealthCheck{Name: name, CheckFunc: fn, Critical: critical}
}

// UnregisterCheck removes a health check
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// RunChecks executes every check concurrently, each bounded by the check
// timeout, and records the results.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	hc.mu.RUnlock()

	errs := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c *HealthCheck) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			errs[i] = c.CheckFunc(cctx)
		}(i, c)
	}
	wg.Wait()

	now := time.Now()
	hc.mu.Lock()
	healthy := true
	for i, c := range checks {
		c.LastChecked = now
		c.LastError = errs[i]
		if errs[i] != nil {
			hc.logger.Warn("Health check failed",
				zap.String("check", c.Name), zap.Bool("critical", c.Critical), zap.Error(errs[i]))
			if c.Critical {
				healthy = false
			}
		}
	}
	hc.healthy = healthy
	hc.lastCheck = now
	hc.mu.Unlock()

	return hc.GetStatus()
}

// GetStatus returns the current health status without running checks
func (hc *HealthChecker) GetStatus() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]CheckResult, len(hc.checks))
	for name, c := range hc.checks {
		r := CheckResult{Status: StatusUnknown, LastChecked: c.LastChecked, Critical: c.Critical}
		if !c.LastChecked.IsZero() {
			r.Status = StatusPassed
			if c.LastError != nil {
				r.Status = StatusFailed
				r.Message = c.LastError.Error()
			}
		}
		results[name] = r
	}

	status := StatusHealthy
	if !hc.healthy {
		status = StatusUnhealthy
	}
	return HealthStatus{
		Status:     status,
		Timestamp:  hc.lastCheck,
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Version:    hc.version,
		Node:       hc.node,
		Checks:     results,
		SystemInfo: systemInfo(),
	}
}

// IsHealthy returns true if the system is healthy
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// CheckNames returns the registered check names, sorted.
func (hc *HealthChecker) CheckNames() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartPeriodic runs the checks every interval until ctx is done.
func (hc *HealthChecker) StartPeriodic(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hc.RunChecks(ctx)
			}
		}
	}()
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
	}
}

// HealthServer provides HTTP endpoints for health checking
type HealthServer struct {
	checker *HealthChecker
}

// NewHealthServer creates a new health server instance
func NewHealthServer(checker *HealthChecker) *HealthServer {
	return &HealthServer{checker: checker}
}

// RegisterRoutes registers health check routes
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
}

// handleHealth runs the checks and reports the full status.
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := hs.checker.RunChecks(r.Context())
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleLiveness reports that the process is serving.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness reports the result of the last check run.
func (hs *HealthServer) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if !hs.checker.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
