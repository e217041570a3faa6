// Package health exposes liveness and readiness probes. Readiness fans out
// to the registered dependency checks; liveness only proves the process is
// serving.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"auditcore/pkg/platform/httputil"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// Handler serves the health endpoints.
type Handler struct {
	logger *slog.Logger
	checks map[string]Check
}

// New constructs a health handler with no checks registered.
func New(logger *slog.Logger) *Handler {
	return &Handler{logger: logger, checks: make(map[string]Check)}
}

// Add registers a named readiness check.
func (h *Handler) Add(name string, check Check) {
	h.checks[name] = check
}

// Register mounts the probes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleLiveness)
	r.Get("/readyz", h.HandleReadiness)
}

// HandleLiveness handles GET /healthz.
func (h *Handler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness handles GET /readyz. Any failing dependency makes the
// whole probe fail so load balancers stop routing here.
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	httputil.WriteJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"checks": results,
	})
}
