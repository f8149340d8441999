package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/firebase/genkit/go/ai"
	coreapi "github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/core/tracing"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/parlorhq/parlor/db"
	"github.com/parlorhq/parlor/internal/api"
	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/chaterr"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/generation"
	"github.com/parlorhq/parlor/internal/hub"
	"github.com/parlorhq/parlor/internal/knowledge"
	"github.com/parlorhq/parlor/internal/presence"
	"github.com/parlorhq/parlor/internal/session"
	"github.com/parlorhq/parlor/internal/ws"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, dbCleanup, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.dbCleanup = dbCleanup
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Sessions = session.NewStore(pool)
	a.Assistants = assistant.NewStore(pool)
	a.Knowledge = knowledge.NewStore(pool, embedder, logger)

	a.Hub = hub.New(cfg.SendTimeout(), logger)
	a.Presence = presence.New(a.Hub, cfg.TypingIdleWindow(), logger)

	generator := generation.NewModel(g, cfg.GenerationTimeout(), cfg.GenerationRPS)
	classifier := chaterr.NewClassifier(cfg.Provider, cfg.RateLimitCooldown)

	orchestrator, err := chat.New(chat.Config{
		Sessions:   a.Sessions,
		Assistants: a.Assistants,
		Retriever:  a.Knowledge,
		Generator:  generator,
		Hub:        a.Hub,
		Presence:   a.Presence,
		Classifier: classifier,

		MaxMessageChars:    cfg.MaxMessageChars,
		PromptBudget:       cfg.PromptBudget,
		HistoryTurns:       cfg.HistoryTurns,
		RetrievalTopK:      cfg.RetrievalTopK,
		RetrievalThreshold: cfg.RetrievalThreshold,

		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	a.Chat = orchestrator

	verifier := auth.NewHMAC([]byte(cfg.HMACSecret))

	wsHandler := ws.NewHandler(ws.Config{
		Hub:            a.Hub,
		Presence:       a.Presence,
		Chat:           orchestrator,
		Verifier:       verifier,
		Sessions:       a.Sessions,
		AllowedOrigins: cfg.CORSOrigins,
		Logger:         logger,
	})

	server, err := api.NewServer(api.Config{
		Sessions:    a.Sessions,
		Assistants:  a.Assistants,
		Documents:   a.Knowledge,
		Verifier:    verifier,
		WebSocket:   wsHandler,
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideOtelShutdown sets up OTLP trace export before Genkit initialization
// so Genkit's TracerProvider picks the processor up. An empty endpoint leaves
// tracing disabled.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	if cfg.OTLPEndpoint == "" {
		return func() {}
	}

	// Set OTEL env vars for Genkit's TracerProvider to pick up.
	// SAFETY: os.Setenv is not concurrent-safe, but this runs exactly once
	// during startup, before goroutines are spawned.
	if cfg.ServiceName != "" {
		_ = os.Setenv("OTEL_SERVICE_NAME", cfg.ServiceName)
	}
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating trace exporter, tracing disabled", "error", err)
		return func() {}
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("trace export enabled",
		"endpoint", cfg.OTLPEndpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	shutdown := tracing.TracerProvider().Shutdown

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates the PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, pool.Close, nil
}

// provideGenkit initializes Genkit with the configured AI provider plugin.
// Supports gemini (default), ollama, and openai providers.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderGemini
	}

	var g *genkit.Genkit

	switch provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama requires explicit model registration (no auto-discovery).
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized Genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized Genkit with openai provider", "model", cfg.ModelName)

	default: // gemini
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the AI provider plugin.
// Each provider registers embedders differently:
//   - gemini: GoogleAIEmbedder(g, modelName)
//   - ollama: registered in provideGenkit, keyed by server address
//   - openai: auto-registered in Init(), looked up by model name
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, coreapi.NewName("openai", cfg.EmbedderModel))
	default: // gemini
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}
