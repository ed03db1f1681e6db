package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmourab/whatsflow/cmd/mainconfig"
	"github.com/dmourab/whatsflow/internal/api/router"
	"github.com/dmourab/whatsflow/internal/app/bootstrap"
	appconfig "github.com/dmourab/whatsflow/internal/config"
	"github.com/dmourab/whatsflow/internal/conversation"
	"github.com/dmourab/whatsflow/internal/messaging"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting whatsflow API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	queue, err := bootstrap.BuildQueue(cfg, awsCfg)
	if err != nil {
		logger.Error("failed to build inbound queue", "error", err)
		os.Exit(1)
	}
	publisher := conversation.NewPublisher(queue, logger)

	var dedupe messaging.DedupeStore
	if redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true); redisClient != nil {
		dedupe = messaging.NewRedisDedupe(redisClient, 24*time.Hour)
	} else {
		dedupe = messaging.NewMemoryDedupe(24 * time.Hour)
	}

	registry := prometheus.NewRegistry()
	messagingMetrics := metrics.NewMessagingMetrics(registry)

	// The memory queue has no external consumer, so accepted webhooks would
	// pile up unread until enqueues block. Run the engine and worker in
	// process, draining the same queue the handler publishes to.
	var (
		engine *conversation.Engine
		worker *conversation.Worker
	)
	if cfg.UseMemoryQueue {
		conversationMetrics := metrics.NewConversationMetrics(registry)
		var cleanup func()
		engine, worker, cleanup, err = bootstrap.BuildWorkerRuntime(
			ctx, cfg, awsCfg, queue, logger, conversationMetrics, messagingMetrics,
		)
		if err != nil {
			logger.Error("failed to build in-process worker", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		engine.Start(ctx)
		worker.Start(ctx)
		logger.Info("in-process conversation worker started", "workers", cfg.WorkerCount)
	}

	messagingHandler := messaging.NewHandler(
		cfg.EvolutionWebhookToken,
		cfg.AgentNumber,
		publisher,
		dedupe,
		logger,
		messagingMetrics,
	)

	r := router.New(&router.Config{
		Logger:           logger,
		MessagingHandler: messagingHandler,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		WebhookRateLimit: 50,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if worker != nil {
		cancel()
		engine.Stop()

		waitCh := make(chan struct{})
		go func() {
			worker.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
			logger.Info("in-process conversation worker stopped")
		case <-shutdownCtx.Done():
			logger.Error("in-process worker shutdown timed out", "error", shutdownCtx.Err())
		}
	}

	logger.Info("server stopped")
}
