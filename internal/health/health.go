package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// checkFunc adapts a function into a Checker.
type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// NewChecker wraps a probe function.
func NewChecker(name string, fn func(ctx context.Context) error) Checker {
	return checkFunc{name: name, fn: fn}
}

// Handler serves the liveness, detailed and readiness endpoints.
type Handler struct {
	mu       sync.RWMutex
	checkers []registered
	timeout  time.Duration
	logger   *zap.Logger
}

type registered struct {
	checker  Checker
	critical bool
}

// NewHandler creates a health Handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{timeout: 3 * time.Second, logger: logger}
}

// Register adds a checker. Critical checkers gate readiness; non-critical
// ones only show up in the detailed report.
func (h *Handler) Register(c Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, registered{checker: c, critical: critical})
}

// RegisterRoutes mounts the endpoints on the admin mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleLiveness)
	mux.HandleFunc("/health/detailed", h.handleDetailed)
	mux.HandleFunc("/readiness", h.handleReadiness)
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (h *Handler) handleDetailed(w http.ResponseWriter, r *http.Request) {
	results, allOK := h.run(r.Context(), false)
	status := http.StatusOK
	overall := "healthy"
	if !allOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": results,
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	results, allOK := h.run(r.Context(), true)
	if !allOK {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"checks": results,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

// run executes the registered checks. criticalOnly restricts to readiness
// gates.
func (h *Handler) run(ctx context.Context, criticalOnly bool) (map[string]checkResult, bool) {
	h.mu.RLock()
	checkers := make([]registered, len(h.checkers))
	copy(checkers, h.checkers)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]checkResult, len(checkers))
	allOK := true
	for _, reg := range checkers {
		if criticalOnly && !reg.critical {
			continue
		}
		if err := reg.checker.Check(ctx); err != nil {
			results[reg.checker.Name()] = checkResult{Status: "unhealthy", Error: err.Error()}
			allOK = false
			h.logger.Warn("Health check failed",
				zap.String("check", reg.checker.Name()),
				zap.Error(err),
			)
			continue
		}
		results[reg.checker.Name()] = checkResult{Status: "healthy"}
	}
	return results, allOK
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
