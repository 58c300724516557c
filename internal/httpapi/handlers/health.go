package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/turn-orchestrator/internal/common"
)

func (h *Handler) Healthz(c *gin.Context) {
	common.OK(c, gin.H{"status": "ok"})
}

// Readyz runs every readiness check and reports each failure by name.
func (h *Handler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			h.Logger.Warn().Err(err).Str("check", name).Msg("not ready")
			failed[name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"code":    50300,
			"message": "not ready",
			"data":    failed,
		})
		return
	}
	common.OK(c, gin.H{"status": "ready"})
}
