package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port           string
	Env            string
	PublicBaseURL  string
	LogLevel       string
	WorkerCount    int
	UseMemoryQueue bool

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// WeChat Official Account credentials and webhook settings
	WeChatAppID          string
	WeChatAppSecret      string
	WeChatToken          string
	WeChatAPIBaseURL     string
	WeChatSafetyMargin   time.Duration
	WeChatCallTimeout    time.Duration
	WeChatUploadTimeout  time.Duration
	WeChatRetryAttempts  int
	WeChatRetryBaseDelay time.Duration
	WeChatRateLimit      int
	WeChatRateWindow     time.Duration

	// Dispatch behaviour
	ConfidenceThreshold float64
	ContextMaxTurns     int
	ContextTTL          time.Duration

	// LLM providers
	BedrockModelID string
	GeminiAPIKey   string
	GeminiModelID  string
	LLMMaxTokens   int

	// Background publishing
	PublishQueueURL   string
	PublishJobsTable  string
	PublishPollPeriod time.Duration
	ArchiveBucket     string

	// Operator notifications
	EmailProvider   string
	SendGridAPIKey  string
	NotifyFromEmail string
	NotifyFromName  string
	OperatorEmail   string

	// Admin API
	AdminJWTSecret string

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		PublicBaseURL:  getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		WorkerCount:    getEnvAsInt("WORKER_COUNT", 2),
		UseMemoryQueue: getEnvAsBool("USE_MEMORY_QUEUE", false),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		WeChatAppID:          getEnv("WECHAT_APP_ID", ""),
		WeChatAppSecret:      getEnv("WECHAT_APP_SECRET", ""),
		WeChatToken:          getEnv("WECHAT_TOKEN", ""),
		WeChatAPIBaseURL:     getEnv("WECHAT_API_BASE_URL", "https://api.weixin.qq.com/cgi-bin"),
		WeChatSafetyMargin:   getEnvAsDuration("WECHAT_TOKEN_SAFETY_MARGIN", 200*time.Second),
		WeChatCallTimeout:    getEnvAsDuration("WECHAT_CALL_TIMEOUT", 10*time.Second),
		WeChatUploadTimeout:  getEnvAsDuration("WECHAT_UPLOAD_TIMEOUT", 30*time.Second),
		WeChatRetryAttempts:  getEnvAsInt("WECHAT_RETRY_ATTEMPTS", 3),
		WeChatRetryBaseDelay: getEnvAsDuration("WECHAT_RETRY_BASE_DELAY", 1*time.Second),
		WeChatRateLimit:      getEnvAsInt("WECHAT_RATE_LIMIT", 60),
		WeChatRateWindow:     getEnvAsDuration("WECHAT_RATE_WINDOW", time.Minute),

		ConfidenceThreshold: getEnvAsFloat("DISPATCH_CONFIDENCE_THRESHOLD", 0.6),
		ContextMaxTurns:     getEnvAsInt("CONTEXT_MAX_TURNS", 20),
		ContextTTL:          getEnvAsDuration("CONTEXT_TTL", 7*24*time.Hour),

		BedrockModelID: getEnv("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:  getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),
		LLMMaxTokens:   getEnvAsInt("LLM_MAX_TOKENS", 1024),

		PublishQueueURL:   getEnv("PUBLISH_QUEUE_URL", ""),
		PublishJobsTable:  getEnv("PUBLISH_JOBS_TABLE", "publish_jobs"),
		PublishPollPeriod: getEnvAsDuration("PUBLISH_POLL_PERIOD", time.Minute),
		ArchiveBucket:     getEnv("ARCHIVE_BUCKET", ""),

		EmailProvider:   getEnv("EMAIL_PROVIDER", "ses"),
		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		NotifyFromEmail: getEnv("NOTIFY_FROM_EMAIL", ""),
		NotifyFromName:  getEnv("NOTIFY_FROM_NAME", "WeChat Assistant"),
		OperatorEmail:   getEnv("OPERATOR_EMAIL", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

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
