package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/metrics"
)

// Runner executes detached work that must outlive the request that started
// it. Failures and panics are logged and never reach the caller.
type Runner struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
	logger  zerolog.Logger
}

func NewRunner(timeout time.Duration, logger zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Go starts fn with its own deadline. It returns false once the runner is shutting down.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Str("task", name).Msg("runner closed, task dropped")
		metrics.BackgroundTasks.WithLabelValues(name, "dropped").Inc()
		return false
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		start := time.Now()
		err := r.run(ctx, fn)
		if err != nil {
			metrics.BackgroundTasks.WithLabelValues(name, "error").Inc()
			r.logger.Error().Err(err).Str("task", name).Dur("took", time.Since(start)).Msg("background task failed")
			return
		}
		metrics.BackgroundTasks.WithLabelValues(name, "ok").Inc()
		r.logger.Debug().Str("task", name).Dur("took", time.Since(start)).Msg("background task done")
	}()
	return true
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting tasks and waits for running ones or ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
