package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	LogLevel       string
	UseMemoryQueue bool
	WorkerCount    int

	// Evolution API (WhatsApp gateway)
	EvolutionAPIURL       string
	EvolutionAPIKey       string
	EvolutionInstance     string
	EvolutionWebhookToken string
	AgentNumber           string

	// Debounce buffer
	QuietPeriod time.Duration
	MaxWait     time.Duration

	// Humanized delivery
	TypingCharsPerSecond float64
	MinTypingDelay       time.Duration
	MaxTypingDelay       time.Duration
	TypingJitterPercent  float64
	ReactionDelay        time.Duration
	StickerDelay         time.Duration
	ComposingWait        time.Duration
	InterruptionPolicy   string
	SendMaxAttempts      int
	SendRetryDelay       time.Duration

	// Turn orchestration
	BackendDeadline  time.Duration
	BackendRetries   int
	BackendRetryWait time.Duration
	FallbackReply    string

	// Registry lifecycle
	IdleEvictionThreshold time.Duration
	EvictionSweepInterval time.Duration

	// History
	HistoryMaxMessages int

	// Storage
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// LLM backends
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string
	LLMMaxTokens   int
	LLMTemperature float64

	// AWS / queue
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	InboundQueueURL     string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),

		EvolutionAPIURL:       getEnv("EVOLUTION_API_URL", ""),
		EvolutionAPIKey:       getEnv("EVOLUTION_API_KEY", ""),
		EvolutionInstance:     getEnv("EVOLUTION_INSTANCE", "whatsflow"),
		EvolutionWebhookToken: getEnv("EVOLUTION_WEBHOOK_TOKEN", ""),
		AgentNumber:           getEnv("AGENT_NUMBER", ""),

		QuietPeriod: getEnvAsDuration("QUIET_PERIOD", 5*time.Second),
		MaxWait:     getEnvAsDuration("MAX_WAIT", 20*time.Second),

		TypingCharsPerSecond: getEnvAsFloat("TYPING_CHARS_PER_SECOND", 60),
		MinTypingDelay:       getEnvAsDuration("MIN_TYPING_DELAY", time.Second),
		MaxTypingDelay:       getEnvAsDuration("MAX_TYPING_DELAY", 3*time.Second),
		TypingJitterPercent:  getEnvAsFloat("TYPING_JITTER_PERCENT", 0.1),
		ReactionDelay:        getEnvAsDuration("REACTION_DELAY", 400*time.Millisecond),
		StickerDelay:         getEnvAsDuration("STICKER_DELAY", 700*time.Millisecond),
		ComposingWait:        getEnvAsDuration("COMPOSING_WAIT", 10*time.Second),
		InterruptionPolicy:   strings.ToLower(strings.TrimSpace(getEnv("INTERRUPTION_POLICY", "drain-then-yield"))),
		SendMaxAttempts:      getEnvAsInt("SEND_MAX_ATTEMPTS", 3),
		SendRetryDelay:       getEnvAsDuration("SEND_RETRY_DELAY", time.Second),

		BackendDeadline:  getEnvAsDuration("BACKEND_DEADLINE", 45*time.Second),
		BackendRetries:   getEnvAsInt("BACKEND_RETRIES", 1),
		BackendRetryWait: getEnvAsDuration("BACKEND_RETRY_WAIT", 2*time.Second),
		FallbackReply:    getEnv("FALLBACK_REPLY", "Desculpe, ocorreu um erro. Tente novamente."),

		IdleEvictionThreshold: getEnvAsDuration("IDLE_EVICTION_THRESHOLD", 30*time.Minute),
		EvictionSweepInterval: getEnvAsDuration("EVICTION_SWEEP_INTERVAL", 5*time.Minute),

		HistoryMaxMessages: getEnvAsInt("HISTORY_MAX_MESSAGES", 50),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		LLMMaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 1024),
		LLMTemperature: getEnvAsFloat("LLM_TEMPERATURE", 0.7),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		InboundQueueURL:     getEnv("INBOUND_QUEUE_URL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
