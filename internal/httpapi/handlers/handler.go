package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/chat"
	"github.com/suPer8Hu/turn-orchestrator/internal/stream"
	"github.com/suPer8Hu/turn-orchestrator/internal/turn"
)

type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, em *stream.Emitter) error
}

// ReadinessCheck returns nil when a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Handler struct {
	Threads   *chat.Service
	Turns     TurnRunner
	Logger    zerolog.Logger
	Heartbeat time.Duration
	Checks    map[string]ReadinessCheck
}

func NewHandler(threads *chat.Service, turns TurnRunner, logger zerolog.Logger) *Handler {
	return &Handler{
		Threads:   threads,
		Turns:     turns,
		Logger:    logger,
		Heartbeat: 15 * time.Second,
		Checks:    map[string]ReadinessCheck{},
	}
}
