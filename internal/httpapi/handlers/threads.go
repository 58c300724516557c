package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/turn-orchestrator/internal/chat"
	"github.com/suPer8Hu/turn-orchestrator/internal/common"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi/middleware"
)

type createThreadReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateThread(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createThreadReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	t, err := h.Threads.CreateThread(c.Request.Context(), uid, req.Title)
	if err != nil {
		h.threadError(c, "create thread", err)
		return
	}
	common.OK(c, t)
}

func (h *Handler) ListThreads(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	threads, err := h.Threads.ListThreads(c.Request.Context(), uid, limit, c.Query("before"))
	if err != nil {
		h.threadError(c, "list threads", err)
		return
	}

	next := ""
	if len(threads) > 0 {
		next = threads[len(threads)-1].ThreadID
	}
	if threads == nil {
		threads = []chat.Thread{}
	}
	common.OK(c, gin.H{
		"threads":     threads,
		"next_before": next,
	})
}

type renameThreadReq struct {
	Title string `json:"title" binding:"required"`
}

func (h *Handler) RenameThread(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req renameThreadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	t, err := h.Threads.RenameThread(c.Request.Context(), uid, c.Param("thread_id"), req.Title)
	if err != nil {
		h.threadError(c, "rename thread", err)
		return
	}
	common.OK(c, t)
}

func (h *Handler) DeleteThread(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	threadID := c.Param("thread_id")
	if err := h.Threads.DeleteThread(c.Request.Context(), uid, threadID); err != nil {
		h.threadError(c, "delete thread", err)
		return
	}
	common.OK(c, gin.H{"thread_id": threadID})
}

func (h *Handler) ThreadTranscript(c *gin.Context) {
	uid, ok := middleware.UserID(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	threadID := c.Param("thread_id")
	recs, err := h.Threads.Transcript(c.Request.Context(), uid, threadID)
	if err != nil {
		h.threadError(c, "read transcript", err)
		return
	}
	common.OK(c, gin.H{
		"thread_id": threadID,
		"records":   recs,
	})
}

func (h *Handler) threadError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, chat.ErrThreadNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "thread not found")
	case errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "thread is not accessible")
	case errors.Is(err, chat.ErrInvalidTitle):
		common.Fail(c, http.StatusBadRequest, 10002, "title must be 1-200 characters")
	default:
		h.Logger.Error().Err(err).Str("op", op).Str("request_id", c.GetString(middleware.RequestIDKey)).Msg("thread request failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
