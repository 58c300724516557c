package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/bootstrap"
	"github.com/suPer8Hu/turn-orchestrator/internal/config"
	"github.com/suPer8Hu/turn-orchestrator/internal/logger"
	"github.com/suPer8Hu/turn-orchestrator/internal/memory"
	"github.com/suPer8Hu/turn-orchestrator/internal/observability"
	"github.com/suPer8Hu/turn-orchestrator/internal/store/rabbitmq"
)

const jobTimeout = 2 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName+"-worker")
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// the worker never binds capabilities
	models, err := bootstrap.NewModels(ctx, cfg, nil, log)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}
	orch, closeMemory, err := bootstrap.NewMemory(ctx, cfg, models, log)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	defer closeMemory()

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitURL,
		Queue:       cfg.RabbitQueue,
		Concurrency: cfg.WorkerConcurrency,
		MaxRetries:  cfg.WorkerMaxRetries,
		RetryDelay:  cfg.WorkerRetryDelay,
	}, log.With().Str("component", "worker").Logger())
	if err != nil {
		return fmt.Errorf("rabbit: %w", err)
	}
	defer consumer.Close()

	return consumer.Run(ctx, func(ctx context.Context, job memory.Job) error {
		// in-flight jobs finish after a shutdown signal
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
		defer cancel()
		start := time.Now()
		err := orch.Write(jctx, job)
		if took := time.Since(start); took > 2*time.Second {
			log.Info().Str("user_id", job.UserID).Dur("took", took).Err(err).Msg("slow memory job")
		}
		return err
	})
}
