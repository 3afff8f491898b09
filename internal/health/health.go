// SPDX-License-Identifier: MIT

// Package health provides health and readiness checks. Liveness stays 200;
// readiness turns 503 when a check is unhealthy.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/rs/zerolog"
)

// Status represents the overall health/readiness status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a component health check
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse represents the full health check response
type HealthResponse struct {
	Status    Status                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    int64                  `json:"uptime_seconds"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Manager manages health and readiness checks
type Manager struct {
	version  string
	started  time.Time
	logger   zerolog.Logger
	checkers []Checker
}

// NewManager creates a new health check manager
func NewManager(version string, logger zerolog.Logger) *Manager {
	return &Manager{
		version: version,
		started: time.Now(),
		logger:  xglog.Component(logger, "health"),
	}
}

// RegisterChecker adds a health checker to the manager
func (m *Manager) RegisterChecker(checker Checker) {
	m.checkers = append(m.checkers, checker)
}

func (m *Manager) run(ctx context.Context) (Status, map[string]CheckResult) {
	status := StatusHealthy
	checks := make(map[string]CheckResult, len(m.checkers))
	for _, checker := range m.checkers {
		result := checker.Check(ctx)
		checks[checker.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return status, checks
}

// Health performs the liveness check. The overall status always reflects the
// checks; verbose adds the per-check results.
func (m *Manager) Health(ctx context.Context, verbose bool) HealthResponse {
	status, checks := m.run(ctx)
	resp := HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now(),
		Uptime:    int64(time.Since(m.started).Seconds()),
	}
	if verbose && len(checks) > 0 {
		resp.Checks = checks
	}
	return resp
}

// Ready performs the readiness check. Degraded is still ready.
func (m *Manager) Ready(ctx context.Context, verbose bool) ReadinessResponse {
	status, checks := m.run(ctx)
	resp := ReadinessResponse{
		Ready:     status != StatusUnhealthy,
		Status:    status,
		Timestamp: time.Now(),
	}
	if verbose && len(checks) > 0 {
		resp.Checks = checks
	}
	return resp
}

// ServeHealth handles HTTP health check requests
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := xglog.WithContext(r.Context(), m.logger)
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Health(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // Always 200 for liveness
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "health.encode_error").Msg("failed to encode health response")
	}

	logger.Debug().
		Str(xglog.FieldEvent, "health.checked").
		Str("status", string(resp.Status)).
		Bool("verbose", verbose).
		Msg("health check performed")
}

// ServeReady handles HTTP readiness check requests
func (m *Manager) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := xglog.WithContext(r.Context(), m.logger)
	verbose := r.URL.Query().Get("verbose") == "true"

	resp := m.Ready(r.Context(), verbose)

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "readiness.encode_error").Msg("failed to encode readiness response")
	}

	logger.Debug().
		Str(xglog.FieldEvent, "readiness.checked").
		Str("status", string(resp.Status)).
		Bool("ready", resp.Ready).
		Msg("readiness check performed")
}

// ConnectivityChecker reports degraded while any registered mixer is
// disconnected.
type ConnectivityChecker struct {
	source func(ctx context.Context) (map[string]mixer.StatusSnapshot, error)
}

// NewConnectivityChecker reads statuses from source, typically
// control.Service.AllStatus.
func NewConnectivityChecker(source func(ctx context.Context) (map[string]mixer.StatusSnapshot, error)) *ConnectivityChecker {
	return &ConnectivityChecker{source: source}
}

func (c *ConnectivityChecker) Name() string {
	return "mixers"
}

func (c *ConnectivityChecker) Check(ctx context.Context) CheckResult {
	all, err := c.source(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "connection registry unavailable"}
	}
	if len(all) == 0 {
		return CheckResult{Status: StatusHealthy, Message: "no connections configured"}
	}

	var down, reconnecting []string
	for host, st := range all {
		switch st.Connectivity {
		case mixer.Disconnected:
			down = append(down, host)
		case mixer.Reconnecting:
			reconnecting = append(reconnecting, host)
		}
	}
	if len(down) > 0 {
		slices.Sort(down)
		return CheckResult{Status: StatusDegraded, Message: "disconnected: " + strings.Join(down, ", ")}
	}
	msg := fmt.Sprintf("%d connected", len(all)-len(reconnecting))
	if len(reconnecting) > 0 {
		slices.Sort(reconnecting)
		msg += "; reconnecting: " + strings.Join(reconnecting, ", ")
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}

// FileChecker checks that an optional file is readable.
type FileChecker struct {
	name string
	path string
}

// NewFileChecker creates a checker for file existence. A missing file is
// degraded, not unhealthy: the daemon writes it on shutdown.
func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{name: name, path: path}
}

func (c *FileChecker) Name() string {
	return c.name
}

func (c *FileChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{Status: StatusHealthy, Message: "not configured (optional)"}
	}
	info, err := os.Stat(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CheckResult{Status: StatusDegraded, Error: "file not found", Message: c.path}
		}
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if info.IsDir() {
		return CheckResult{Status: StatusUnhealthy, Error: "expected file, got directory"}
	}
	return CheckResult{Status: StatusHealthy, Message: "file exists and readable"}
}
