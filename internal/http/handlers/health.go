package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/dialgrid/dialgrid/pkg/logging"
)

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	checks map[string]Pinger
	logger *logging.Logger
}

func NewHealthHandler(logger *logging.Logger, checks map[string]Pinger) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{checks: checks, logger: logger.Component("health")}
}

// HandleLiveness handles GET /healthz.
func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness handles GET /readyz: every registered dependency must
// answer within two seconds.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"checks": results})
}
