package turn

import (
	"context"

	"github.com/suPer8Hu/turn-orchestrator/internal/memory"
)

// MemoryScheduler hands a finished exchange to memory writing without blocking the turn.
type MemoryScheduler interface {
	Schedule(job memory.Job)
}

type MemoryWriter interface {
	Write(ctx context.Context, job memory.Job) error
}

type JobPublisher interface {
	PublishJob(ctx context.Context, job memory.Job) error
}

// InlineScheduler writes memory in this process on the background runner.
type InlineScheduler struct {
	runner *Runner
	writer MemoryWriter
}

func NewInlineScheduler(runner *Runner, writer MemoryWriter) InlineScheduler {
	return InlineScheduler{runner: runner, writer: writer}
}

func (s InlineScheduler) Schedule(job memory.Job) {
	s.runner.Go("memory.write", func(ctx context.Context) error {
		return s.writer.Write(ctx, job)
	})
}

// QueueScheduler publishes the job for cmd/worker to process.
type QueueScheduler struct {
	runner *Runner
	pub    JobPublisher
}

func NewQueueScheduler(runner *Runner, pub JobPublisher) QueueScheduler {
	return QueueScheduler{runner: runner, pub: pub}
}

func (s QueueScheduler) Schedule(job memory.Job) {
	s.runner.Go("memory.publish", func(ctx context.Context) error {
		return s.pub.PublishJob(ctx, job)
	})
}
