package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/turn-orchestrator/internal/common"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi/middleware"
	"github.com/suPer8Hu/turn-orchestrator/internal/stream"
	"github.com/suPer8Hu/turn-orchestrator/internal/turn"
)

type turnReq struct {
	Message            string `json:"message" binding:"required"`
	ThreadID           string `json:"thread_id"`
	ToolFlag           bool   `json:"tool_flag"`
	AttachmentsContext string `json:"attachments_context"`
}

// StreamTurn runs one turn and streams its events as SSE. Until the first
// frame is written a failure is still answered with a JSON envelope.
func (h *Handler) StreamTurn(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req turnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	sink, err := stream.NewSSEWriter(c.Writer)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming not supported")
		return
	}
	em := stream.NewEmitter(sink)

	ctx := c.Request.Context()
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.heartbeat(hbCtx, sink)
	}()
	defer func() {
		if p := recover(); p != nil {
			stopHeartbeat()
			wg.Wait()
			// an open stream still has to end with error and done
			if em.State() == stream.Streaming {
				_ = em.Fail(string(turn.KindInternal), turn.PublicMessage(turn.KindInternal))
			}
			panic(p)
		}
	}()

	err = h.Turns.Run(ctx, turn.Request{
		UserID:             uid,
		ThreadID:           req.ThreadID,
		Message:            req.Message,
		ToolFlag:           req.ToolFlag,
		AttachmentsContext: req.AttachmentsContext,
	}, em)
	stopHeartbeat()
	wg.Wait()

	if err == nil {
		return
	}
	if em.State() != stream.Idle {
		// the stream already carries error and done
		return
	}
	kind := turn.KindOf(err)
	status, code := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.Logger.Error().Err(err).Str("user_id", uid).Str("request_id", c.GetString(middleware.RequestIDKey)).Msg("turn rejected")
	}
	common.Fail(c, status, code, turn.PublicMessage(kind))
}

func (h *Handler) heartbeat(ctx context.Context, sink *stream.SSEWriter) {
	if h.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(h.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.Comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

func statusFor(kind turn.Kind) (int, int) {
	switch kind {
	case turn.KindValidation:
		return http.StatusBadRequest, 10002
	case turn.KindUnauthorized:
		return http.StatusUnauthorized, 40101
	case turn.KindForbidden:
		return http.StatusForbidden, 40301
	case turn.KindNotFound:
		return http.StatusNotFound, 40401
	case turn.KindModerationUnavailable:
		return http.StatusServiceUnavailable, 50301
	case turn.KindTimeout:
		return http.StatusGatewayTimeout, 50401
	case turn.KindUpstream:
		return http.StatusBadGateway, 50201
	default:
		return http.StatusInternalServerError, 50001
	}
}
