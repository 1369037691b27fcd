package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/auth"
	"github.com/jkoelker/ffsclient/engine"
	"github.com/jkoelker/ffsclient/log"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"

	storageCheckerName = "storage"
	tokenCheckerName   = "sync_token"
	syncCheckerName    = "sync"

	// storageTestTimeout is the timeout for storage health check operations.
	storageTestTimeout = 5 * time.Second

	// serverTestTimeout bounds a remote server probe.
	serverTestTimeout = 10 * time.Second
)

// Check represents a single health check.
type Check struct {
	Name        string            `json:"name"`
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration_ms"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response represents the overall health response.
type Response struct {
	Status  Status           `json:"status"`
	Version string           `json:"version,omitempty"`
	Checks  map[string]Check `json:"checks"`
	Summary map[string]int   `json:"summary"`
}

// Checker defines the interface for health checks.
type Checker interface {
	Check(ctx context.Context) Check
	Name() string
}

// Manager manages and executes health checks.
type Manager struct {
	checkers []Checker
	config   *Config
}

// NewManager creates a new health checker.
func NewManager(version string) *Manager {
	config := DefaultConfig()
	config.Version = version

	return &Manager{
		checkers: make([]Checker, 0),
		config:   config,
	}
}

// NewManagerWithConfig creates a new health checker with custom config.
func NewManagerWithConfig(config *Config) *Manager {
	return &Manager{
		checkers: make([]Checker, 0),
		config:   config,
	}
}

// AddChecker adds a health checker.
func (hc *Manager) AddChecker(checker Checker) {
	hc.checkers = append(hc.checkers, checker)
}

// CheckLiveness performs basic liveness checks (server is running).
func (hc *Manager) CheckLiveness(_ context.Context) Response {
	// Liveness is simple - if we can respond, we're alive
	return Response{
		Status:  StatusHealthy,
		Version: hc.config.Version,
		Checks: map[string]Check{
			"server": {
				Name:        "server",
				Status:      StatusHealthy,
				Message:     "Process is responding",
				LastChecked: time.Now(),
				Duration:    0,
			},
		},
		Summary: map[string]int{
			"healthy":   1,
			"unhealthy": 0,
			"degraded":  0,
		},
	}
}

// CheckReadiness performs comprehensive readiness checks (dependencies).
func (hc *Manager) CheckReadiness(ctx context.Context) Response {
	checks := make(map[string]Check)
	summary := map[string]int{
		"healthy":   0,
		"unhealthy": 0,
		"degraded":  0,
	}

	// Execute all registered checkers
	for _, checker := range hc.checkers {
		start := time.Now()
		check := checker.Check(ctx)
		check.Duration = time.Since(start)
		checks[check.Name] = check

		// Update summary
		switch check.Status {
		case StatusHealthy:
			summary["healthy"]++
		case StatusUnhealthy:
			summary["unhealthy"]++
		case StatusDegraded:
			summary["degraded"]++
		}
	}

	// Determine overall status
	overallStatus := StatusHealthy
	if summary["unhealthy"] > 0 {
		overallStatus = StatusUnhealthy
	} else if summary["degraded"] > 0 {
		overallStatus = StatusDegraded
	}

	return Response{
		Status:  overallStatus,
		Version: hc.config.Version,
		Checks:  checks,
		Summary: summary,
	}
}

// Pinger is a local store that can prove it is usable. *storage.Store
// implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker checks the local state store.
type StorageChecker struct {
	store Pinger
}

// NewStorageChecker creates a new storage health checker.
func NewStorageChecker(store Pinger) *StorageChecker {
	return &StorageChecker{store: store}
}

// Name returns the checker name.
func (sc *StorageChecker) Name() string {
	return storageCheckerName
}

// Check performs the storage health check.
func (sc *StorageChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:        storageCheckerName,
		LastChecked: time.Now(),
		Metadata:    make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(ctx, storageTestTimeout)
	defer cancel()

	if err := sc.store.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = "Local store is not usable: " + err.Error()

		return check
	}

	check.Status = StatusHealthy
	check.Message = "Local store is accessible and functioning"

	return check
}

// TokenCache exposes the cached storage token. *auth.TokenSource implements
// it.
type TokenCache interface {
	Current() *auth.SyncToken
}

// TokenChecker reports on the cached storage token. Missing and expired
// tokens are healthy since they are refreshed on demand.
type TokenChecker struct {
	tokens TokenCache
}

// NewTokenChecker creates a new token health checker.
func NewTokenChecker(tokens TokenCache) *TokenChecker {
	return &TokenChecker{tokens: tokens}
}

// Name returns the checker name.
func (tc *TokenChecker) Name() string {
	return tokenCheckerName
}

// Check performs the token health check.
func (tc *TokenChecker) Check(_ context.Context) Check {
	check := Check{
		Name:        tokenCheckerName,
		LastChecked: time.Now(),
		Metadata:    make(map[string]string),
	}

	token := tc.tokens.Current()

	switch {
	case token == nil:
		check.Status = StatusHealthy
		check.Message = "No sync token cached - will authenticate on demand"
		check.Metadata["token_available"] = "false"
	case !token.Valid():
		check.Status = StatusHealthy
		check.Message = "Sync token expired - will refresh on demand"
		check.Metadata["token_expired"] = "true"
		check.Metadata["token_expires_at"] = token.ExpiresAt.Format(time.RFC3339)
	default:
		check.Status = StatusHealthy
		check.Message = "Sync token is valid"
		check.Metadata["token_expires_at"] = token.ExpiresAt.Format(time.RFC3339)
		check.Metadata["endpoint"] = token.Endpoint
	}

	return check
}

// ServerChecker probes a remote server.
type ServerChecker struct {
	name  string
	probe func(ctx context.Context) error
}

// NewServerChecker creates a checker named name that runs probe, e.g. a
// session status call against the auth server or a quota call against the
// storage node.
func NewServerChecker(name string, probe func(ctx context.Context) error) *ServerChecker {
	return &ServerChecker{name: name, probe: probe}
}

// Name returns the checker name.
func (sc *ServerChecker) Name() string {
	return sc.name
}

// Check performs the server probe. Rate limiting degrades instead of
// failing the check.
func (sc *ServerChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:        sc.name,
		LastChecked: time.Now(),
		Metadata:    make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(ctx, serverTestTimeout)
	defer cancel()

	err := sc.probe(ctx)

	switch {
	case err == nil:
		check.Status = StatusHealthy
		check.Message = "Server is reachable"
	case errors.Is(err, api.ErrRateLimited), errors.Is(err, auth.ErrUnavailable):
		check.Status = StatusDegraded
		check.Message = "Server is asking clients to back off"
		check.Error = err.Error()
	default:
		check.Status = StatusUnhealthy
		check.Error = err.Error()
	}

	return check
}

// SyncChecker reports the outcome of the latest run of every collection.
type SyncChecker struct {
	mu   sync.RWMutex
	last map[string]*engine.SyncResult
}

// NewSyncChecker creates a new sync health checker.
func NewSyncChecker() *SyncChecker {
	return &SyncChecker{last: map[string]*engine.SyncResult{}}
}

// Name returns the checker name.
func (sc *SyncChecker) Name() string {
	return syncCheckerName
}

// Observe records a finished run.
func (sc *SyncChecker) Observe(result *engine.SyncResult) {
	if result == nil {
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.last[result.Collection] = result
}

// Check reports degraded when any collection's latest run failed.
func (sc *SyncChecker) Check(_ context.Context) Check {
	check := Check{
		Name:        syncCheckerName,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Metadata:    make(map[string]string),
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if len(sc.last) == 0 {
		check.Message = "No sync run finished yet"

		return check
	}

	failed := 0

	for collection, result := range sc.last {
		check.Metadata[collection] = result.State.String()

		if result.State == engine.Failed {
			failed++
			check.Metadata[collection] += ": " + string(result.Failure)
		}
	}

	if failed > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d collections failed their last run", failed, len(sc.last))

		return check
	}

	check.Message = "All collections completed their last run"

	return check
}

// HTTPHandler creates HTTP handlers for health endpoints.
type HTTPHandler struct {
	checker           *Manager
	debugHealthChecks bool
}

// HTTPHandlerOptions holds configuration for the HTTP handler.
type HTTPHandlerOptions struct {
	DebugHealthChecks bool
}

// WithDebugHealthChecks enables or disables debug logging for health check endpoints.
func WithDebugHealthChecks(enabled bool) func(*HTTPHandlerOptions) {
	return func(opts *HTTPHandlerOptions) {
		opts.DebugHealthChecks = enabled
	}
}

// NewHTTPHandler creates a new HTTP handler for health checks.
func NewHTTPHandler(checker *Manager, opts ...func(*HTTPHandlerOptions)) *HTTPHandler {
	// Apply default options
	options := &HTTPHandlerOptions{
		DebugHealthChecks: true, // Default to true for backwards compatibility
	}

	// Apply provided options
	for _, opt := range opts {
		opt(options)
	}

	return &HTTPHandler{
		checker:           checker,
		debugHealthChecks: options.DebugHealthChecks,
	}
}

// LivenessHandler handles liveness probe requests.
func (h *HTTPHandler) LivenessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	if h.debugHealthChecks {
		log.Debug(ctx, "Liveness check requested")
	}

	response := h.checker.CheckLiveness(ctx)

	// Always return 200 for liveness unless the server is completely broken
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Error(ctx, err, "Failed to encode liveness response")
		http.Error(writer, "Internal server error", http.StatusInternalServerError)

		return
	}

	if h.debugHealthChecks {
		log.Debug(ctx, "Liveness check completed", "status", string(response.Status))
	}
}

// ReadinessHandler handles readiness probe requests.
func (h *HTTPHandler) ReadinessHandler(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()

	if h.debugHealthChecks {
		log.Debug(ctx, "Readiness check requested")
	}

	response := h.checker.CheckReadiness(ctx)

	var statusCode int

	switch response.Status {
	case StatusHealthy:
		statusCode = http.StatusOK
	case StatusDegraded:
		statusCode = http.StatusServiceUnavailable
		if !h.checker.config.StrictReadiness {
			statusCode = http.StatusOK
		}
	case StatusUnhealthy:
		statusCode = http.StatusServiceUnavailable
	default:
		statusCode = http.StatusServiceUnavailable
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Error(ctx, err, "Failed to encode readiness response")
		http.Error(writer, "Internal server error", http.StatusInternalServerError)

		return
	}

	if h.debugHealthChecks {
		log.Debug(ctx, "Readiness check completed",
			"status", string(response.Status),
			"status_code", statusCode,
			"healthy_checks", response.Summary["healthy"],
			"unhealthy_checks", response.Summary["unhealthy"],
			"degraded_checks", response.Summary["degraded"],
		)
	}
}

// Register mounts the liveness and readiness endpoints on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.LivenessHandler)
	mux.HandleFunc("GET /health/ready", h.ReadinessHandler)
}
