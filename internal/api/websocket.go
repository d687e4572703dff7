package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleSession upgrades into a long-lived delivery session. The delivery
// fabric owns the upgrade and closes with policy violation (1008) when the
// did query parameter is missing.
func (h *APIHandler) handleSession(c *gin.Context) {
	h.fabric.Connect(c.Writer, c.Request)
}

// handleHealth is the liveness probe: process up, nothing else checked.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReady reports per-dependency state; 503 unless database, cache and
// stream all answer.
func (h *APIHandler) handleReady(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{"database": "ok", "cache": "ok", "stream": "ok"}
	ready := true

	if err := h.pool.Healthy(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	}
	if err := h.cache.Healthy(ctx); err != nil {
		checks["cache"] = err.Error()
		ready = false
	}
	if err := h.stream.Healthy(); err != nil {
		checks["stream"] = err.Error()
		ready = false
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
