package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
	online  func() int
}

// NewHealthHandler builds the /healthz handler; online reports the number of connected users.
func NewHealthHandler(service string, checks map[string]HealthCheck, online func() int) *HealthHandler {
	return &HealthHandler{service: service, checks: checks, online: online}
}

// Health answers 503 as soon as one dependency is down.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = "disconnected"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "connected"
	}

	body := gin.H{"service": h.service, "dependencies": deps}
	if h.online != nil {
		body["online_users"] = h.online()
	}
	c.JSON(status, body)
}
