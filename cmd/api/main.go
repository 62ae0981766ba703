package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hexleaf/wechat-ai-platform/cmd/mainconfig"
	"github.com/hexleaf/wechat-ai-platform/internal/agents"
	"github.com/hexleaf/wechat-ai-platform/internal/api/router"
	"github.com/hexleaf/wechat-ai-platform/internal/archive"
	appconfig "github.com/hexleaf/wechat-ai-platform/internal/config"
	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/dispatch"
	"github.com/hexleaf/wechat-ai-platform/internal/http/handlers"
	"github.com/hexleaf/wechat-ai-platform/internal/intent"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/observability/metrics"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/tasks"
	"github.com/hexleaf/wechat-ai-platform/internal/webchat"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

// setupMetrics builds the shared Prometheus registry and the collectors
// for the gateway and the dispatcher.
func setupMetrics() (http.Handler, *metrics.GatewayMetrics, *metrics.DispatchMetrics) {
	reg := prometheus.NewRegistry()
	gm := metrics.NewGatewayMetrics(reg)
	dm := metrics.NewDispatchMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), gm, dm
}

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting wechat-ai-platform API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if cfg.WeChatToken == "" {
		logger.Error("WECHAT_TOKEN is required")
		os.Exit(1)
	}

	metricsHandler, gatewayMetrics, dispatchMetrics := setupMetrics()

	// Redis backs the token cache, the gateway rate limiter and the
	// conversation window.
	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Postgres: pgx pool for the repositories, database/sql for the
	// conversation archive.
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	userRepo := store.NewUserRepo(pool)
	draftRepo := store.NewDraftRepo(pool)
	analyticsRepo := store.NewAnalyticsRepo(pool)
	faqRepo := store.NewFAQRepo(pool)
	messageStore := conversation.NewMessageStore(db)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	// LLM: Bedrock primary, Gemini fallback when configured.
	var llmClient llm.Client = llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Error("failed to create Gemini client", "error", err)
			os.Exit(1)
		}
		llmClient = llm.NewFallbackClient(llmClient, gemini, logger.Logger)
	}

	gateway, err := wechat.New(wechat.Config{
		AppID:          cfg.WeChatAppID,
		AppSecret:      cfg.WeChatAppSecret,
		BaseURL:        cfg.WeChatAPIBaseURL,
		CallTimeout:    cfg.WeChatCallTimeout,
		UploadTimeout:  cfg.WeChatUploadTimeout,
		RetryAttempts:  cfg.WeChatRetryAttempts,
		RetryBaseDelay: cfg.WeChatRetryBaseDelay,
		RateLimit:      int64(cfg.WeChatRateLimit),
		RateWindow:     cfg.WeChatRateWindow,
		SafetyMargin:   cfg.WeChatSafetyMargin,
		Logger:         logger.Logger,
		Metrics:        gatewayMetrics,
	}, rdb)
	if err != nil {
		logger.Error("failed to create platform gateway", "error", err)
		os.Exit(1)
	}

	contexts := conversation.NewContextStore(rdb, messageStore, cfg.ContextMaxTurns, cfg.ContextTTL, logger.Logger)
	classifier := intent.NewClassifier(llmClient, cfg.BedrockModelID, int32(cfg.LLMMaxTokens), logger.Logger)

	archiveStore := archive.NewStore(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, logger.Logger)
	jobStore := tasks.NewJobStore(dynamodb.NewFromConfig(awsCfg), cfg.PublishJobsTable, logger.Logger)

	chatAgent := agents.NewChatAgent(llmClient, cfg.BedrockModelID, int32(cfg.LLMMaxTokens), contexts, faqRepo, userRepo, logger.Logger)
	contentAgent := agents.NewContentAgent(llmClient, cfg.BedrockModelID, int32(cfg.LLMMaxTokens), draftRepo, gateway, archiveStore, logger.Logger)
	analyticsAgent := agents.NewAnalyticsAgent(llmClient, cfg.BedrockModelID, gateway, analyticsRepo, logger.Logger)
	schedulerAgent := agents.NewSchedulerAgent(jobStore, draftRepo, logger.Logger)

	registry := dispatch.NewRegistry()
	registry.Register(dispatch.HandlerChat, chatAgent)
	registry.Register(dispatch.HandlerContent, contentAgent)
	registry.Register(dispatch.HandlerAnalytics, analyticsAgent)
	registry.Register(dispatch.HandlerScheduler, schedulerAgent)

	dispatcher := dispatch.NewDispatcher(registry, classifier, contexts, cfg.ConfidenceThreshold, dispatchMetrics, logger.Logger)

	webhookHandler := handlers.NewWebhookHandler(cfg.WeChatToken, dispatcher, userRepo, gateway, logger)
	adminHandler := handlers.NewAdminHandler(draftRepo, analyticsRepo, messageStore, jobStore, faqRepo, gateway, logger)
	webchatHandler := webchat.NewHandler(dispatcher, messageStore, logger)

	r := router.New(&router.Config{
		Logger:           logger,
		Webhook:          webhookHandler,
		Admin:            adminHandler,
		Webchat:          webchatHandler,
		AdminAuthSecret:  cfg.AdminJWTSecret,
		MetricsHandler:   metricsHandler,
		WebhookRateLimit: 10,
		WebhookBurst:     20,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
