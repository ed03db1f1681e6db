package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmourab/whatsflow/cmd/mainconfig"
	"github.com/dmourab/whatsflow/internal/app/bootstrap"
	appconfig "github.com/dmourab/whatsflow/internal/config"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting whatsflow conversation worker", "env", cfg.Env)

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

	registry := prometheus.NewRegistry()
	conversationMetrics := metrics.NewConversationMetrics(registry)
	messagingMetrics := metrics.NewMessagingMetrics(registry)

	engine, worker, cleanup, err := bootstrap.BuildWorkerRuntime(
		ctx, cfg, awsCfg, queue, logger, conversationMetrics, messagingMetrics,
	)
	if err != nil {
		logger.Error("failed to build worker runtime", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	engine.Start(ctx)
	worker.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down conversation worker...")
	cancel()
	engine.Stop()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("conversation worker stopped")
	case <-doneCtx.Done():
		logger.Error("conversation worker shutdown timed out", "error", doneCtx.Err())
	}
}
