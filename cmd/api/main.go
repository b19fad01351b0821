package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dyno-tavern/backend/internal/config"
	"github.com/zhouzirui/dyno-tavern/backend/internal/handler"
	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
	"github.com/zhouzirui/dyno-tavern/backend/internal/observability"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ai"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/ingest"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/memory"
	"github.com/zhouzirui/dyno-tavern/backend/internal/service/retrieval"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	observability.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	personaStore, err := persona.Load(cfg.PersonasFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.PersonasFile).Msg("failed to load personas")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	embedCache, err := memory.NewEmbeddingCache(
		memory.NewOllamaEmbeddingFunc(cfg.Memory.EmbedModel, cfg.Memory.EmbedBaseURL),
		cfg.Memory.EmbedCacheMax,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create embedding cache")
	}
	defer embedCache.Close()

	personaIDs := make([]string, 0)
	for _, p := range personaStore.List() {
		personaIDs = append(personaIDs, p.ID)
	}
	store, err := memory.NewStore(ctx, memory.Options{
		Backend:     cfg.Memory.Backend,
		Dir:         cfg.Memory.Dir,
		DatabaseURL: cfg.Memory.DatabaseURL,
		Embed:       embedCache.Func(),
		OpTimeout:   cfg.Memory.OpTimeout,
	}, personaIDs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open memory store")
	}
	defer store.Close()

	chatModel, err := cfg.Inference.NewChatModel(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Inference.Provider).Msg("failed to create chat model")
	}

	orchestrator := ai.NewOrchestrator(chatModel, store,
		ai.WithIdleTimeout(cfg.Inference.IdleTimeout),
		ai.WithMetrics(metrics),
	)
	if err := orchestrator.Ping(ctx); err != nil {
		// Not fatal: the UI polls /api/health and the first submit reports it too.
		log.Warn().Err(err).Msg("inference service not reachable yet")
	}

	extractor, err := ingest.NewExtractor(cfg.Memory.ExcerptSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build document extractor")
	}

	chatService := chat.NewService(chat.Deps{
		Personas:      personaStore,
		Store:         store,
		Retriever:     retrieval.NewRetriever(store, metrics),
		Assembler:     ai.NewAssembler(ai.NewPersonaPromptBuilder()),
		Orchestrator:  orchestrator,
		Metrics:       metrics,
		Extractor:     extractor,
		DefaultWindow: cfg.Session.DefaultWindow,
	}, cfg.Session.IdleTTL)
	if err := chatService.StartJanitor(cfg.Session.JanitorSchedule); err != nil {
		log.Fatal().Err(err).Msg("failed to start session janitor")
	}
	defer chatService.Stop()

	router := handler.NewRouter(personaStore, chatService, orchestrator, metrics)

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Dyno Tavern backend listening")
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
