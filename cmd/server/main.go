package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/handlers"
	"github.com/stoa-app/coach-engine/internal/i18n"
	"github.com/stoa-app/coach-engine/internal/middleware"
	"github.com/stoa-app/coach-engine/internal/persona"
	"github.com/stoa-app/coach-engine/internal/services/access"
	"github.com/stoa-app/coach-engine/internal/services/cache"
	"github.com/stoa-app/coach-engine/internal/services/coach"
	"github.com/stoa-app/coach-engine/internal/services/knowledge"
	"github.com/stoa-app/coach-engine/internal/services/prompt"
	"github.com/stoa-app/coach-engine/internal/services/provider"
	"github.com/stoa-app/coach-engine/internal/services/ratelimit"
	"github.com/stoa-app/coach-engine/internal/services/storage"
	"github.com/stoa-app/coach-engine/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting coach engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	storageManager, err := storage.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize storage")
	}

	// Providers
	candidates := make([]provider.Candidate, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		adapter, err := provider.NewAdapter(pc, log)
		if err != nil {
			log.WithError(err).WithField("provider", pc.Name).Fatal("Failed to create provider adapter")
		}
		candidates = append(candidates, provider.Candidate{Adapter: adapter, Priority: pc.Priority})
	}
	registry := provider.NewRegistry(candidates, cfg.Coach.HealthFreshnessWindow, log)
	registry.StartMonitor(ctx, cfg.Coach.HealthCheckInterval)

	// Knowledge corpus
	var retriever knowledge.Retriever
	if cfg.Knowledge.Enabled {
		corpus := knowledge.NewCorpusRetriever(log)
		if err := corpus.Load(ctx, cfg.Knowledge.Directory); err != nil {
			log.WithError(err).Error("Failed to load knowledge corpus")
			// Continue without grounding
		} else {
			retriever = corpus
		}
	}

	retrievalCache := cache.NewCache(cfg, log)
	rateLimiter := middleware.NewRateLimiter(cfg, log)

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	metrics := middleware.NewMetrics()

	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Domain services
	personas := persona.NewStore()
	catalog := access.NewCatalog(cfg.Models)
	accessSvc := access.NewService(catalog, storageManager, log)
	ratelimitSvc := ratelimit.NewService(storageManager, log)
	promptBuilder := prompt.NewBuilder(cfg.Coach.MaxHistoryTurns)

	coachSvc := coach.NewService(
		cfg,
		personas,
		accessSvc,
		ratelimitSvc,
		retriever,
		retrievalCache,
		promptBuilder,
		registry,
		storageManager,
		localizer,
		metrics,
		log,
	)

	handler := handlers.NewHandler(coachSvc, registry, rateLimiter, localizer, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		// WriteTimeout must outlive the longest stream; zero means no limit
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}

	cancel()
	log.Info("Coach engine stopped")
}
