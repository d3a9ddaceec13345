package handler

import (
	"net/http"
)

// Checker reports whether a dependency can serve traffic.
type Checker interface {
	Ready() error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func() error

// Ready calls f.
func (f CheckFunc) Ready() error { return f() }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks map[string]Checker
}

// NewHealthHandler creates a new health handler over the named checks.
func NewHealthHandler(checks map[string]Checker) *HealthHandler {
	return &HealthHandler{
		checks: checks,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, c := range h.checks {
		if err := c.Ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": name + ": " + err.Error(),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
