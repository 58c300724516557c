package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/turn-orchestrator/internal/ai"
	"github.com/suPer8Hu/turn-orchestrator/internal/auth"
	"github.com/suPer8Hu/turn-orchestrator/internal/bootstrap"
	"github.com/suPer8Hu/turn-orchestrator/internal/chat"
	"github.com/suPer8Hu/turn-orchestrator/internal/config"
	"github.com/suPer8Hu/turn-orchestrator/internal/db"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi"
	"github.com/suPer8Hu/turn-orchestrator/internal/httpapi/handlers"
	"github.com/suPer8Hu/turn-orchestrator/internal/logger"
	"github.com/suPer8Hu/turn-orchestrator/internal/moderation"
	"github.com/suPer8Hu/turn-orchestrator/internal/observability"
	"github.com/suPer8Hu/turn-orchestrator/internal/search"
	"github.com/suPer8Hu/turn-orchestrator/internal/store/rabbitmq"
	"github.com/suPer8Hu/turn-orchestrator/internal/store/redisstore"
	"github.com/suPer8Hu/turn-orchestrator/internal/turn"
)

const (
	httpDrainTimeout   = 20 * time.Second
	runnerDrainTimeout = 30 * time.Second
)

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
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	checks := map[string]handlers.ReadinessCheck{
		"db": sqlDB.PingContext,
	}

	verifier, err := newVerifier(ctx, cfg, log, checks)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if c, ok := verifier.(interface{ Close() }); ok {
		defer c.Close()
	}

	var (
		tools      ai.ToolExecutor
		capability *ai.Capability
	)
	if cfg.SearchAPIKey != "" {
		tools = search.NewClient(search.Config{
			APIKey:   cfg.SearchAPIKey,
			Endpoint: cfg.SearchEndpoint,
			Results:  cfg.SearchResults,
		}, log.With().Str("component", "search").Logger())
		capability = search.Capability()
	} else {
		log.Warn().Msg("SEARCH_API_KEY not set: tool_flag is ignored")
	}

	models, err := bootstrap.NewModels(ctx, cfg, tools, log)
	if err != nil {
		return fmt.Errorf("models: %w", err)
	}
	orch, closeMemory, err := bootstrap.NewMemory(ctx, cfg, models, log)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	defer closeMemory()

	gate := moderation.NewGate(moderation.NewOpenAIClassifier(models.OpenAI), cfg.ModerationFailOpen,
		log.With().Str("component", "moderation").Logger())

	runner := turn.NewRunner(2*time.Minute, log.With().Str("component", "runner").Logger())
	var scheduler turn.MemoryScheduler
	switch cfg.MemoryWriteMode {
	case config.MemoryWriteQueue:
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("rabbit: %w", err)
		}
		defer pub.Close()
		scheduler = turn.NewQueueScheduler(runner, pub)
	default:
		scheduler = turn.NewInlineScheduler(runner, orch)
	}

	var locker turn.Locker = turn.NewLocalLocker()
	if cfg.TurnLock == config.TurnLockRedis {
		rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rds.Close()
		locker = rds.Locker(cfg.TurnLockTTL)
		checks["redis"] = rds.Ping
	}

	repo := chat.NewRepo(gdb)
	transcripts := chat.NewTranscriptWriter(repo)
	pipeline := turn.NewPipeline(turn.Deps{
		Moderator:   gate,
		Threads:     chat.NewResolver(repo),
		Transcripts: transcripts,
		Memory:      orch,
		Selector:    turn.NewSelector(capability, ai.ToolChoice(cfg.ToolPolicy)),
		Model:       models.Turn,
		Scheduler:   scheduler,
		Locker:      locker,
		Logger:      log.With().Str("component", "turn").Logger(),
	}, turn.Options{
		TurnTimeout:             cfg.TurnTimeout,
		OutputModerationTimeout: cfg.ModerationOutputTimeout,
		HistoryWindow:           cfg.ChatContextWindowSize,
		MaxMessageChars:         8000,
		MaxAttachmentChars:      20000,
	})

	h := handlers.NewHandler(chat.NewService(repo, transcripts), pipeline, log)
	h.Checks = checks

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(httpapi.RouterConfig{ServiceName: cfg.ServiceName, AuthMode: cfg.AuthMode}, h, verifier, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// no WriteTimeout: turns stream for up to TURN_TIMEOUT
		IdleTimeout: 2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("auth_mode", cfg.AuthMode).Str("provider", cfg.AIProvider).
			Str("memory", cfg.MemoryBackend).Str("memory_write", cfg.MemoryWriteMode).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")

	httpCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Error().Err(err).Msg("http drain incomplete")
	}

	runCtx, cancelRun := context.WithTimeout(context.Background(), runnerDrainTimeout)
	defer cancelRun()
	if err := runner.Shutdown(runCtx); err != nil {
		log.Warn().Err(err).Msg("background tasks still running at exit")
	}
	return nil
}

func newVerifier(ctx context.Context, cfg config.Config, log zerolog.Logger, checks map[string]handlers.ReadinessCheck) (auth.Verifier, error) {
	if cfg.AuthMode == config.AuthModeInsecureDev {
		return auth.NewInsecureDevVerifier(log), nil
	}

	jwksURL, err := cfg.ResolveJWKSURL(ctx)
	if err != nil {
		return nil, err
	}
	v, err := auth.NewJWKSVerifier(ctx, auth.JWKSConfig{
		JWKSURL:          jwksURL,
		Issuer:           cfg.AuthIssuer,
		Audience:         cfg.AuthAudience,
		RefreshInterval:  cfg.JWKSRefreshInterval,
		FetchTimeout:     cfg.JWKSFetchTimeout,
		ClockSkew:        cfg.ClockSkew,
		MinForcedRefresh: 30 * time.Second,
	}, log.With().Str("component", "auth").Logger())
	if err != nil {
		return nil, err
	}
	checks["jwks"] = func(context.Context) error {
		if !v.Ready() {
			return errors.New("jwks not loaded")
		}
		return nil
	}
	return v, nil
}
