package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/artifactory-codeartifact-migrator/internal/domain"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	namespace domain.Namespace
}

// NewHealthHandler creates a new health handler for the served namespace.
func NewHealthHandler(ns domain.Namespace) *HealthHandler {
	return &HealthHandler{namespace: ns}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"namespace": h.namespace.String(),
		"mode":      h.namespace.Mode,
	})
}
