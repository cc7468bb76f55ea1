package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arisbot/internal/ratelimit"
	"arisbot/internal/usertoken"
	"arisbot/internal/util"
	"arisbot/pkg/ai"
	"arisbot/pkg/cache"
	"arisbot/pkg/queue"
	"arisbot/pkg/sources/connectivity"
	"arisbot/pkg/sources/diversion"
	"arisbot/pkg/sources/docindex"
	"arisbot/pkg/sources/ticketing"
	"arisbot/pkg/sources/wiki"
	"arisbot/pkg/storage"
	"arisbot/pkg/store"
	"arisbot/services/assistant/internal/app"
	"arisbot/services/assistant/internal/config"
	"arisbot/services/assistant/internal/server"
)

const defaultPrompt = "Eres ARIS, el asistente interno de la empresa. Responde en español, de forma clara y concisa, usando la información interna disponible."

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel, "assistant")

	durations, err := cfg.Durations()
	if err != nil {
		util.Fatal("invalid config", "err", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init postgres store", "err", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
		Leeway: durations.JWTLeeway,
	})
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	redisEnabled := strings.TrimSpace(cfg.RedisAddr) != ""
	newCache := func(prefix string) cache.Cache {
		if redisEnabled {
			return cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, "aris:cache:"+prefix)
		}
		return cache.NewMemoryCache(100)
	}
	var guard store.TurnGuard = store.NewMemoryTurnGuard()
	if redisEnabled {
		guard = store.NewRedisTurnGuard(cfg.RedisAddr, cfg.RedisPassword, "aris:turn")
	}

	adapters := app.Adapters{
		Wiki: wiki.New(wiki.Config{
			BaseURL:     cfg.BookStackURL,
			TokenID:     cfg.BookStackTokenID,
			TokenSecret: cfg.BookStackTokenSecret,
			Cache:       newCache("wiki"),
			CacheTTL:    durations.SourceCacheTTL,
		}),
		Tickets: ticketing.New(ticketing.Config{
			BaseURL:  cfg.CRMURL,
			User:     cfg.CRMUser,
			Password: cfg.CRMPassword,
			Company:  cfg.CRMCompany,
			Cache:    newCache("crm"),
		}),
		Lines: connectivity.New(connectivity.Config{
			BaseURL:  cfg.FibrasURL,
			User:     cfg.FibrasUser,
			Password: cfg.FibrasPassword,
		}),
		Portal: diversion.New(diversion.Config{
			BaseURL:  cfg.TekiURL,
			User:     cfg.TekiUser,
			Password: cfg.TekiPassword,
			Cache:    newCache("teki"),
			CacheTTL: durations.SourceCacheTTL,
		}),
		Knowledge: newKnowledgeIndex(cfg, dataStore),
	}

	models, err := newProvider(cfg)
	if err != nil {
		util.Fatal("failed to init model provider", "err", err)
	}

	var limiter app.Limiter
	if cfg.ChatRateLimitPerMinute > 0 {
		limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "aris:ratelimit:chat", cfg.ChatRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init chat rate limiter", "err", err)
		}
	}
	var jobs *queue.RedisJobQueue
	if redisEnabled && adapters.Knowledge != nil {
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   "aris:knowledge:reindex",
			Group:    "assistant",
		})
		if err != nil {
			util.Fatal("failed to init reindex queue", "err", err)
		}
	}

	appCfg := app.Config{
		Store:         dataStore,
		Guard:         guard,
		Adapters:      adapters,
		Models:        models,
		BasePrompt:    loadPrompt(cfg.SystemPromptPath),
		SourceTimeout: durations.Source,
		HistoryLimit:  cfg.HistoryLimit,
		TurnTimeout:   durations.Turn,
		Limiter:       limiter,
	}
	if jobs != nil {
		appCfg.Jobs = jobs
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if jobs != nil {
		jobs.Start(ctx, cfg.ReindexConcurrency, appCore.RunReindex)
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		CORSOrigins:   cfg.CORSOrigins,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// Chat replies stream for as long as the model writes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		logger.Info("server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}
	}()

	logger.Info("assistant server listening", "addr", addr, "model_provider", cfg.Provider())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newProvider(cfg config.FileConfig) (ai.Provider, error) {
	var claude *ai.AnthropicClient
	if cfg.AnthropicAPIKey != "" {
		claude = ai.NewAnthropicClient(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.AnthropicModel)
	}
	var p ai.Provider
	switch cfg.Provider() {
	case config.ProviderGroq:
		groq := ai.NewOpenAICompatClient(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqModel, nil)
		p.Default, p.Titles = groq, groq
	case config.ProviderOllama:
		ollama := ai.NewOllamaChat(ai.NewOllamaClient(cfg.OllamaURL), cfg.OllamaChatModel)
		p.Default, p.Titles = ollama, ollama
	default:
		if claude == nil {
			return ai.Provider{}, errors.New("anthropic api key required")
		}
		p.Default, p.Titles = claude, claude
	}
	if claude != nil {
		p.Vision = claude
	}
	return p, nil
}

func newKnowledgeIndex(cfg config.FileConfig, chunks docindex.ChunkStore) *docindex.Index {
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return nil
	}
	embedder := ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.OllamaURL), cfg.EmbeddingModel, cfg.EmbeddingDim)
	var docs docindex.DocumentSource = docindex.DirSource{Root: valueOr(cfg.KnowledgeDir, "knowledge")}
	if cfg.MinioEndpoint != "" {
		bucket, err := storage.NewMinioBucket(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init knowledge bucket", "err", err)
		}
		docs = docindex.BucketSource{Bucket: bucket, Prefix: cfg.MinioPrefix}
	}
	idx := docindex.New(chunks, embedder, docs)
	if err := idx.Load(); err != nil {
		util.LoggerFromContext(context.Background()).Warn("knowledge_load_failed", "err", err)
	}
	return idx
}

func loadPrompt(path string) string {
	path = valueOr(path, "system-prompt.md")
	data, err := os.ReadFile(path)
	if err != nil {
		util.LoggerFromContext(context.Background()).Warn("system_prompt_missing", "path", path, "err", err)
		return defaultPrompt
	}
	return string(data)
}

func valueOr(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
