// Package bootstrap builds the collaborators shared by cmd/server and cmd/worker.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/suPer8Hu/turn-orchestrator/internal/ai"
	"github.com/suPer8Hu/turn-orchestrator/internal/config"
	"github.com/suPer8Hu/turn-orchestrator/internal/memory"
)

type Models struct {
	// Turn streams replies and may run the bound capability.
	Turn ai.Model
	// Aux runs short non-streaming completions for memory extraction.
	Aux    ai.Provider
	OpenAI *openai.Client
}

// NewModels resolves the configured provider twice: once for turns and once
// for auxiliary work. tools may be nil when no capability is ever bound.
func NewModels(ctx context.Context, cfg config.Config, tools ai.ToolExecutor, logger zerolog.Logger) (Models, error) {
	client := ai.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, nil)

	reg := ai.NewRegistry()
	reg.Register("openai", func(_ context.Context, model string) (ai.Model, error) {
		if model == "" {
			model = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(client, model,
			ai.WithToolExecutor(tools),
			ai.WithLogger(logger.With().Str("provider", "openai").Logger()),
		), nil
	})
	reg.Register("ollama", func(_ context.Context, model string) (ai.Model, error) {
		if model == "" {
			model = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, model, tools), nil
	})

	turnModel, err := reg.Get(ctx, cfg.AIProvider, "")
	if err != nil {
		return Models{}, err
	}
	auxName := ""
	if cfg.AIProvider == "openai" {
		auxName = cfg.OpenAIAuxModel
	}
	aux, err := reg.Get(ctx, cfg.AIProvider, auxName)
	if err != nil {
		return Models{}, err
	}
	return Models{Turn: turnModel, Aux: aux, OpenAI: client}, nil
}

// NewMemory builds the configured store and the orchestrator over it. The
// returned close func releases the store's connections.
func NewMemory(ctx context.Context, cfg config.Config, models Models, logger zerolog.Logger) (*memory.Orchestrator, func(), error) {
	var (
		store memory.Store
		done  = func() {}
	)
	switch cfg.MemoryBackend {
	case config.MemoryBackendPGVector:
		poolCfg, err := pgxpool.ParseConfig(cfg.MemoryPGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("memory pg dsn: %w", err)
		}
		poolCfg.AfterConnect = memory.RegisterVectorTypes
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("memory pg pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("memory pg ping: %w", err)
		}
		pg := memory.NewPGVectorStore(pool, memory.NewOpenAIEmbedder(models.OpenAI, cfg.OpenAIEmbeddingModel), cfg.MemoryEmbeddingDim)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store, done = pg, pool.Close
	default:
		logger.Warn().Msg("MEMORY_BACKEND=inmemory: long-term memory is lost on restart")
		store = memory.NewInMemoryStore()
	}

	orch := memory.NewOrchestrator(store, memory.NewLLMExtractor(models.Aux), memory.Options{
		KUser:        cfg.MemoryKUser,
		KEpisodic:    cfg.MemoryKEpisodic,
		MaxChars:     cfg.MemoryMaxChars,
		MaxUserFacts: cfg.MemoryMaxUserFacts,
	}, logger.With().Str("component", "memory").Logger())
	return orch, done, nil
}
