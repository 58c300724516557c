package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/auth"
	"github.com/suPer8Hu/turn-orchestrator/internal/common"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi/handlers"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi/middleware"
)

type RouterConfig struct {
	ServiceName string
	AuthMode    string
}

func NewRouter(cfg RouterConfig, h *handlers.Handler, verifier auth.Verifier, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery(logger))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Logging(logger))

	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// bearer token required
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthRequired(verifier, cfg.AuthMode, logger))
	v1.POST("/threads", h.CreateThread)
	v1.GET("/threads", h.ListThreads)
	v1.PATCH("/threads/:thread_id", h.RenameThread)
	v1.DELETE("/threads/:thread_id", h.DeleteThread)
	v1.GET("/threads/:thread_id/transcript", h.ThreadTranscript)
	v1.POST("/turns/stream", h.StreamTurn)
	return r
}
