package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/dmourab/whatsflow/internal/clock"
	appconfig "github.com/dmourab/whatsflow/internal/config"
	"github.com/dmourab/whatsflow/internal/conversation"
	"github.com/dmourab/whatsflow/internal/messaging"
	"github.com/dmourab/whatsflow/internal/observability/metrics"
	"github.com/dmourab/whatsflow/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildDatabase opens the Postgres pool or returns nil when no URL is set.
func BuildDatabase(cfg *appconfig.Config, logger *logging.Logger) *sql.DB {
	if cfg == nil || strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Warn("failed to open database", "error", err)
		return nil
	}
	if err := db.Ping(); err != nil {
		logger.Warn("database not available", "error", err)
		_ = db.Close()
		return nil
	}
	return db
}

// BuildQueue selects the inbound event queue: in-memory for local runs, SQS
// otherwise.
func BuildQueue(cfg *appconfig.Config, awsCfg aws.Config) (conversation.Queue, error) {
	if cfg.UseMemoryQueue {
		return conversation.NewMemoryQueue(256), nil
	}
	if strings.TrimSpace(cfg.InboundQueueURL) == "" {
		return nil, errors.New("bootstrap: INBOUND_QUEUE_URL required unless USE_MEMORY_QUEUE is set")
	}
	return conversation.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.InboundQueueURL), nil
}

// BuildHistory layers the transcript stores: Redis for the hot path, Postgres
// for durability, in-memory when neither is configured.
func BuildHistory(redisClient *redis.Client, db *sql.DB, cfg *appconfig.Config, logger *logging.Logger) conversation.HistoryStore {
	var stores []conversation.HistoryStore
	if redisClient != nil {
		stores = append(stores, conversation.NewRedisHistory(redisClient, int64(cfg.HistoryMaxMessages)))
	}
	if db != nil {
		stores = append(stores, conversation.NewPostgresHistory(db))
	}

	switch len(stores) {
	case 0:
		logger.Warn("no transcript backend configured, history is in-memory only")
		return conversation.NewMemoryHistory(cfg.HistoryMaxMessages)
	case 1:
		return stores[0]
	default:
		return conversation.NewTeeHistory(logger, stores...)
	}
}

// BuildLLMClient assembles the reasoning backend: Bedrock primary with Gemini
// fallback when both are configured. The returned closer releases any held
// API clients.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (conversation.LLMClient, func(), error) {
	var (
		primary  conversation.LLMClient
		fallback conversation.LLMClient
		closer   = func() {}
	)

	if strings.TrimSpace(cfg.BedrockModelID) != "" {
		primary = conversation.NewBedrockLLMClient(bedrockruntime.NewFromConfig(awsCfg))
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := conversation.NewGeminiLLMClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, nil, err
		}
		closer = func() { _ = gemini.Close() }
		if primary == nil {
			primary = gemini
		} else {
			fallback = gemini
		}
	}

	if primary == nil {
		return nil, nil, errors.New("bootstrap: no LLM backend configured (set BEDROCK_MODEL_ID or GEMINI_API_KEY)")
	}
	return conversation.NewFallbackLLMClient(primary, fallback, logger), closer, nil
}

// BuildWorkerRuntime assembles everything the queue consumer needs around an
// already-built queue: storage, LLM backend, outbound transport, engine, and
// the worker itself. The caller starts engine and worker; the returned
// cleanup releases held clients. cmd/api uses this to run the consumer in
// process when the memory queue is selected, so accepted webhooks are
// actually drained instead of piling up with no reader.
func BuildWorkerRuntime(
	ctx context.Context,
	cfg *appconfig.Config,
	awsCfg aws.Config,
	queue conversation.Queue,
	logger *logging.Logger,
	convMetrics *metrics.ConversationMetrics,
	msgMetrics *metrics.MessagingMetrics,
) (*conversation.Engine, *conversation.Worker, func(), error) {
	if logger == nil {
		logger = logging.Default()
	}

	redisClient := BuildRedisClient(ctx, cfg, logger, true)
	db := BuildDatabase(cfg, logger)
	history := BuildHistory(redisClient, db, cfg, logger)

	llm, closeLLM, err := BuildLLMClient(ctx, cfg, awsCfg, logger)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, nil, nil, err
	}

	transport := messaging.NewEvolutionSender(
		cfg.EvolutionAPIURL,
		cfg.EvolutionAPIKey,
		cfg.EvolutionInstance,
		logger,
		msgMetrics,
	)

	engine := BuildEngine(transport, llm, history, cfg, logger, convMetrics)
	worker := conversation.NewWorker(
		engine,
		queue,
		logger,
		conversation.WithWorkerCount(cfg.WorkerCount),
	)

	cleanup := func() {
		closeLLM()
		if db != nil {
			_ = db.Close()
		}
	}
	return engine, worker, cleanup, nil
}

// BuildEngine assembles the conversation core: registry, scheduler,
// orchestrator, and the engine that ties buffering to turn execution.
func BuildEngine(
	transport conversation.Transport,
	llm conversation.LLMClient,
	history conversation.HistoryStore,
	cfg *appconfig.Config,
	logger *logging.Logger,
	m *metrics.ConversationMetrics,
) *conversation.Engine {
	clk := clock.System()
	presence := conversation.NewPresenceTracker(clk)

	scheduler := conversation.NewScheduler(transport, clk, conversation.SchedulerConfig{
		CharsPerSecond:  cfg.TypingCharsPerSecond,
		MinTypingDelay:  cfg.MinTypingDelay,
		MaxTypingDelay:  cfg.MaxTypingDelay,
		JitterPercent:   cfg.TypingJitterPercent,
		ReactionDelay:   cfg.ReactionDelay,
		StickerDelay:    cfg.StickerDelay,
		ComposingWait:   cfg.ComposingWait,
		Policy:          conversation.ParseInterruptionPolicy(cfg.InterruptionPolicy),
		MaxSendAttempts: cfg.SendMaxAttempts,
		SendRetryDelay:  cfg.SendRetryDelay,
	}, presence, logger, m)

	reasoner := conversation.NewLLMReasoner(llm, conversation.ReasonerConfig{
		Model:       cfg.BedrockModelID,
		MaxTokens:   int32(cfg.LLMMaxTokens),
		Temperature: float32(cfg.LLMTemperature),
		MaxHistory:  cfg.HistoryMaxMessages,
	})

	orch := conversation.NewOrchestrator(reasoner, history, scheduler, clk, conversation.OrchestratorConfig{
		BackendDeadline: cfg.BackendDeadline,
		Retries:         cfg.BackendRetries,
		RetryBackoff:    cfg.BackendRetryWait,
		FallbackReply:   cfg.FallbackReply,
	}, logger, m)

	registry := conversation.NewRegistry(logger, m)

	return conversation.NewEngine(registry, orch, presence, clk, conversation.EngineConfig{
		QuietPeriod:           cfg.QuietPeriod,
		MaxWait:               cfg.MaxWait,
		IdleEvictionThreshold: cfg.IdleEvictionThreshold,
		EvictionSweepInterval: cfg.EvictionSweepInterval,
	}, logger, m)
}
