package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/logging"
)

var startedAt = time.Now()

// ReadinessCheck is one dependency probed by /ready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler: простой liveness/probe.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":     "ok",
		"service":    "school-events",
		"started_at": startedAt.Format(time.RFC3339),
		"uptime_sec": int(time.Since(startedAt).Seconds()),
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReadyHandler runs every readiness check and answers 503 if any fails.
func (h *Handlers) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.checks))
	code := http.StatusOK
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			logging.LogError("readiness: component not ready", err, logrus.Fields{"component": c.Name})
			components[c.Name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		components[c.Name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}
