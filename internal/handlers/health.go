package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vitalink/backend/internal/respond"
)

// Pinger is a dependency the service needs to be ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Liveness handles GET /healthz. It only confirms the process is serving.
func Liveness(w http.ResponseWriter, _ *http.Request) {
	respond.OK(w, http.StatusOK, map[string]any{"status": "ok"})
}

type dependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Readiness handles GET /readyz by pinging every named dependency.
func Readiness(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		statuses := make(map[string]dependencyStatus, len(deps))
		healthy := true
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				statuses[name] = dependencyStatus{Status: "unhealthy", Error: err.Error()}
				healthy = false
				continue
			}
			statuses[name] = dependencyStatus{Status: "ok"}
		}

		status, code := "ok", http.StatusOK
		if !healthy {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		respond.JSON(w, code, map[string]any{
			"success":      healthy,
			"status":       status,
			"dependencies": statuses,
		})
	}
}
