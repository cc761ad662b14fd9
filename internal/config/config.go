package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	BaseURL       string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// CORSAllowedOrigins gates browser access to the API; empty disables the
	// CORS middleware entirely.
	CORSAllowedOrigins []string

	// Concurrency gate
	GlobalMaxCalls        int
	DefaultClientMaxCalls int
	GatePollInterval      time.Duration
	GateMaxAttempts       int

	// Lazy timeout sweeping. The limits are expressed in milliseconds in the
	// environment because provider dashboards and the ops runbook use ms.
	MaxProcessedTime time.Duration
	MaxRingingTime   time.Duration
	MaxOngoingTime   time.Duration
	CleanupInterval  time.Duration

	// Bot warmup
	BotWarmupEnabled  bool
	BotWarmupAttempts int
	BotWarmupTimeout  time.Duration

	// System provider credentials (fallback when a tenant has none, or when
	// a tenant credential fails validated-number checks)
	PlivoAuthID      string
	PlivoAuthToken   string
	TwilioAccountSID string
	TwilioAuthToken  string

	TwilioValidateSignatures bool
	DefaultProvider          string
	ProviderCallsPerSecond   int

	// Campaign workers
	HeartbeatInterval        time.Duration
	OrphanHeartbeatThreshold time.Duration
	OrphanScanInterval       time.Duration
	ClaimScanInterval        time.Duration
	MaxConcurrentCampaigns   int
	ContactBatchSize         int

	// Campaign command queue
	CampaignQueueURL string
	UseMemoryQueue   bool

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		BaseURL:       strings.TrimRight(getEnv("BASE_URL", ""), "/"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS"),

		GlobalMaxCalls:        getEnvAsInt("GLOBAL_MAX_CALLS", 50),
		DefaultClientMaxCalls: getEnvAsInt("DEFAULT_CLIENT_MAX_CONCURRENT_CALLS", 10),
		GatePollInterval:      getEnvAsMillis("GATE_POLL_INTERVAL_MS", 2000),
		GateMaxAttempts:       getEnvAsInt("GATE_MAX_ATTEMPTS", 1000),

		MaxProcessedTime: getEnvAsMillis("MAX_PROCESSED_TIME", 300000),
		MaxRingingTime:   getEnvAsMillis("MAX_RINGING_TIME", 180000),
		MaxOngoingTime:   getEnvAsMillis("MAX_ONGOING_TIME", 3600000),
		CleanupInterval:  getEnvAsMillis("CLEANUP_INTERVAL", 300000),

		BotWarmupEnabled:  getEnvAsBool("BOT_WARMUP_ENABLED", true),
		BotWarmupAttempts: getEnvAsInt("BOT_WARMUP_ATTEMPTS", 3),
		BotWarmupTimeout:  getEnvAsMillis("BOT_WARMUP_TIMEOUT_MS", 10000),

		PlivoAuthID:      getEnv("PLIVO_AUTH_ID", ""),
		PlivoAuthToken:   getEnv("PLIVO_AUTH_TOKEN", ""),
		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),

		TwilioValidateSignatures: getEnvAsBool("TWILIO_VALIDATE_SIGNATURES", false),
		DefaultProvider:          strings.ToLower(strings.TrimSpace(getEnv("DEFAULT_PROVIDER", "plivo"))),
		ProviderCallsPerSecond:   getEnvAsInt("PROVIDER_CALLS_PER_SECOND", 0),

		HeartbeatInterval:        getEnvAsMillis("HEARTBEAT_INTERVAL_MS", 30000),
		OrphanHeartbeatThreshold: getEnvAsMillis("ORPHAN_HEARTBEAT_THRESHOLD_MS", 120000),
		OrphanScanInterval:       getEnvAsMillis("ORPHAN_SCAN_INTERVAL_MS", 60000),
		ClaimScanInterval:        getEnvAsMillis("CLAIM_SCAN_INTERVAL_MS", 15000),
		MaxConcurrentCampaigns:   getEnvAsInt("MAX_CONCURRENT_CAMPAIGNS", 4),
		ContactBatchSize:         getEnvAsInt("CONTACT_BATCH_SIZE", 50),

		CampaignQueueURL: getEnv("CAMPAIGN_QUEUE_URL", ""),
		UseMemoryQueue:   getEnvAsBool("USE_MEMORY_QUEUE", true),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
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

// getEnvAsSlice splits a comma-separated environment variable, dropping empty
// entries.
func getEnvAsSlice(key string) []string {
	var values []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

// getEnvAsMillis reads an integer millisecond value into a time.Duration.
func getEnvAsMillis(key string, defaultMillis int) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil && value >= 0 {
		return time.Duration(value) * time.Millisecond
	}
	return time.Duration(defaultMillis) * time.Millisecond
}
