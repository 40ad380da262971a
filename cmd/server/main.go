package main

import (
	"commerce-assistant/internal/api/auth"
	"commerce-assistant/internal/api/handlers"
	"commerce-assistant/internal/api/outbound"
	"commerce-assistant/internal/cache"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/config"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/repository/memory"
	"commerce-assistant/internal/repository/postgres"
	"commerce-assistant/internal/service/checkout"
	"commerce-assistant/internal/service/contextbuilder"
	"commerce-assistant/internal/service/convstate"
	"commerce-assistant/internal/service/harmonizer"
	"commerce-assistant/internal/service/language"
	"commerce-assistant/internal/service/llm"
	"commerce-assistant/internal/service/orchestrator"
	"commerce-assistant/internal/service/query"
	"commerce-assistant/internal/service/rag"
	"commerce-assistant/internal/service/reference"
	"commerce-assistant/internal/service/usage"
	"commerce-assistant/internal/taskqueue"
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	providersPath := flag.String("providers", "", "provider catalogue file (JSON or YAML), overrides PROVIDERS_CONFIG_PATH")
	storeBackend := flag.String("store", "", "state store backend: memory or postgres, overrides STORE_BACKEND")
	port := flag.String("port", "", "HTTP port, overrides SERVER_PORT")
	queryData := flag.String("query-data", "", "YAML file with tenant knowledge, catalog and customer history")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to load configuration")
	}
	if *providersPath != "" {
		cfg.LLM.ProvidersConfigPath = *providersPath
	}
	if *storeBackend != "" {
		cfg.Store.Backend = *storeBackend
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if err := cfg.LoadProviders(); err != nil {
		logger.Log.WithError(err).Fatal("Failed to load providers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	data := query.NewStatic(nil)
	if *queryData != "" {
		data, err = query.LoadStatic(*queryData)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to load query data")
		}
	}

	store, err := openStore(cfg, clk, data)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to open state store")
	}
	defer store.Close()

	kv := cache.NewMemory(clk)

	queue := taskqueue.New(clk, cfg.Orchestration.Workers, 256)
	queue.Start(ctx)
	defer queue.Stop()

	clients, err := llm.NewClients(ctx, cfg.Providers)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to create provider clients")
	}
	failover := llm.NewFailoverManager(cfg.Providers.Names(), clk, cfg.Health.Window, cfg.Health.Floor, cfg.Health.MinSamples)
	router := llm.NewRouter(cfg.Providers, clients, failover, store, clk, llm.RouterConfig{
		MaxRetries:  cfg.LLM.MaxRetries,
		CallTimeout: cfg.LLM.CallTimeout,
		DefaultCap:  cfg.Budget.DefaultMonthlyCap,
	})

	usage.NewAggregator(store, store, clk, cfg.Budget.DefaultMonthlyCap, cfg.Budget.AlertRatio).
		Schedule(queue, cfg.Budget.AggregationEvery)

	o := cfg.Orchestration
	builder := contextbuilder.NewBuilder(store, store,
		contextbuilder.NewLLMSummarizer(router, cfg.LLM.SummarizationPrompt),
		data, data, data,
		contextbuilder.Config{
			HistoryWindow: o.HistoryWindow,
			MaxTokens:     o.MaxContextTokens,
			CharsPerToken: o.CharsPerToken,
		})

	orch := orchestrator.NewOrchestrator(orchestrator.Deps{
		Store:      store,
		Cache:      kv,
		Clock:      clk,
		Harmonizer: harmonizer.NewHarmonizer(store, store, queue, clk, o.HarmonizationWindow, o.MaxBufferDepth),
		References: reference.NewManager(store, kv, clk, o.ReferenceTTL),
		Language:   language.NewTracker(store, kv, nil),
		State:      convstate.NewManager(store, clk, o.ContextTTL),
		Checkout:   checkout.NewManager(store, clk, o.QuickCheckoutSLA),
		Builder:    builder,
		Intents:    router,
		Generator:  router,
		Answers:    rag.NewPipeline(data, router, rag.Config{Threshold: o.RAGThreshold, TopK: o.RAGTopK}),
		Renderer:   outbound.NewWebhookRenderer(cfg.Channel.CallbackURL, cfg.Channel.CallbackTimeout),
	})

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to create token service")
	}
	messageHandler := handlers.NewMessageHandler(store, orch, clk)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/v1/messages", tokens.Middleware(messageHandler.HandleMessage))
	mux.HandleFunc("GET /internal/health", messageHandler.HandleHealth)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Warn("Server shutdown did not complete")
		}
	}()

	logger.Log.WithFields(logrus.Fields{
		"port":      cfg.Server.Port,
		"store":     cfg.Store.Backend,
		"providers": cfg.Providers.Names(),
	}).Info("Server starting")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Log.WithError(err).Fatal("Server failed to start")
	}
	logger.Log.Info("Server stopped")
}

// openStore opens the configured state store. The memory store is seeded
// with an active tenant for every tenant in the query data.
func openStore(cfg *config.AppConfig, clk clock.Clock, data *query.Static) (db.Database, error) {
	if cfg.Store.Backend == "postgres" {
		logger.Log.Info("Initializing database...")
		return postgres.NewPostgresDB(cfg.Database)
	}
	store := memory.NewStore(clk)
	for _, id := range data.TenantIDs() {
		store.PutTenant(&db.Tenant{ID: id, Name: id, DefaultLanguage: string(language.Default), Active: true})
	}
	return store, nil
}
