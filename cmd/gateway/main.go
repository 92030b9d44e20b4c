package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mrmushfiq/llm0-router/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-router/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-router/internal/gateway/keyvault"
	"github.com/mrmushfiq/llm0-router/internal/gateway/ledger"
	"github.com/mrmushfiq/llm0-router/internal/gateway/orchestrator"
	"github.com/mrmushfiq/llm0-router/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-router/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-router/internal/gateway/routing"
	"github.com/mrmushfiq/llm0-router/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-router/internal/shared/config"
	"github.com/mrmushfiq/llm0-router/internal/shared/database"
	"github.com/mrmushfiq/llm0-router/internal/shared/models"
	"github.com/mrmushfiq/llm0-router/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.SetFormatter(&log.JSONFormatter{})
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	log.WithFields(log.Fields{"port": cfg.Port, "env": cfg.Env}).Info("starting llm0 router")

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}
	log.Info("connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	// Provider registry, shared snapshot cache and health probes
	probes := providers.NewProbeSet(nil)
	reg := registry.New(db, cfg.RegistryCacheTTL,
		registry.WithSnapshotCache(cache.New(redisClient)),
		registry.WithProber(probes, cfg.PlatformKeys()),
	)
	if cfg.CatalogFile != "" {
		if err := reg.LoadCatalogFile(ctx, cfg.CatalogFile); err != nil {
			log.Fatalf("Failed to load catalog %s: %v", cfg.CatalogFile, err)
		}
		log.WithField("file", cfg.CatalogFile).Info("catalog seeded")
	}
	if cfg.HealthCheckInterval > 0 {
		go reg.RunHealthChecks(ctx, cfg.HealthCheckInterval)
	}

	// Key vault
	masterKey, err := keyvault.DeriveKey(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to derive encryption key: %v", err)
	}
	cipher, err := keyvault.NewCipher(masterKey)
	if err != nil {
		log.Fatalf("Failed to initialize cipher: %v", err)
	}
	vault := keyvault.New(cipher, db, db, probes,
		keyvault.NewRedisLimiter(redisClient, cfg.ValidateRateLimit, time.Minute))

	engine := routing.New(reg, vault, routing.PoliciesFromConfig(cfg))
	credits := ledger.New(db, cfg.StarterCredits, models.Tier(cfg.DefaultTier))

	// Usage recording, with billing sync when a webhook is configured
	var sink usage.Sink
	var syncer *usage.Syncer
	if cfg.BillingWebhookURL != "" {
		syncer = usage.NewSyncer(usage.NewWebhookPublisher(cfg.BillingWebhookURL, nil), nil, cfg.BillingSyncWorkers, 1024)
		sink = syncer
	}
	recorder := usage.NewRecorder(db, sink)
	if syncer != nil {
		syncer.SetMarker(recorder)
		syncer.Start()
		log.WithField("workers", cfg.BillingSyncWorkers).Info("billing sync enabled")
	}

	orch := orchestrator.New(engine, credits, recorder,
		orchestrator.NewRedisSessionStore(redisClient, cfg.SessionTTL))

	r := handlers.NewRouter(
		handlers.NewMiddleware(db, redisClient, cfg.RequestRateLimit),
		handlers.NewChatHandler(orch),
		handlers.NewAccountHandler(credits),
		handlers.NewCredentialHandler(vault),
		handlers.NewUsageHandler(db),
		handlers.NewCatalogHandler(reg),
	)

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down gracefully")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server shutdown error")
	}
	if syncer != nil {
		syncer.Stop()
	}

	log.Info("server stopped")
}
