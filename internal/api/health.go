package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is the subset of the repository needed for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo           Pinger
	timeout        time.Duration
	phantomEnabled bool
	verifyEnabled  bool
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo Pinger, phantomEnabled, verifyEnabled bool) *HealthHandler {
	return &HealthHandler{
		repo:           repo,
		timeout:        5 * time.Second,
		phantomEnabled: phantomEnabled,
		verifyEnabled:  verifyEnabled,
	}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
		"features": map[string]bool{
			"phantom_ai":       h.phantomEnabled,
			"age_verification": h.verifyEnabled,
		},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
