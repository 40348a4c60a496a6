package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-cashout-go/internal/platform/logging"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck probes one external dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// SystemHandler serves liveness, readiness, and the metrics scrape.
type SystemHandler struct {
	Started time.Time
	Checks  []ReadinessCheck
	Log     zerolog.Logger
}

func NewSystemHandler(log zerolog.Logger, checks ...ReadinessCheck) *SystemHandler {
	return &SystemHandler{
		Started: time.Now(),
		Checks:  checks,
		Log:     logging.Component(log, "system_handler"),
	}
}

func (h *SystemHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Health reports process liveness only; it never touches dependencies.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.Started).Round(time.Second).String(),
	})
}

// Ready probes each dependency and reports 503 until all pass.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	ready := true
	results := make(map[string]bool, len(h.Checks))
	for _, c := range h.Checks {
		err := c.Check(ctx)
		results[c.Name] = err == nil
		if err != nil {
			ready = false
			h.Log.Warn().
				Str("event_type", logging.EventSystem).
				Str("check", c.Name).
				Err(err).
				Msg("readiness check failed")
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": results,
	})
}
