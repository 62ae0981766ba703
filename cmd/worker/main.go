package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/hexleaf/wechat-ai-platform/cmd/mainconfig"
	"github.com/hexleaf/wechat-ai-platform/internal/agents"
	appconfig "github.com/hexleaf/wechat-ai-platform/internal/config"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/notify"
	"github.com/hexleaf/wechat-ai-platform/internal/queue"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/tasks"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting wechat-ai-platform worker", "env", cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	draftRepo := store.NewDraftRepo(pool)
	analyticsRepo := store.NewAnalyticsRepo(pool)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
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
	}, rdb)
	if err != nil {
		logger.Error("failed to create platform gateway", "error", err)
		os.Exit(1)
	}

	jobStore := tasks.NewJobStore(dynamodb.NewFromConfig(awsCfg), cfg.PublishJobsTable, logger.Logger)

	var q queue.Client
	if cfg.UseMemoryQueue {
		q = queue.NewMemory(64)
	} else {
		if cfg.PublishQueueURL == "" {
			logger.Error("PUBLISH_QUEUE_URL is required when the memory queue is disabled")
			os.Exit(1)
		}
		q = queue.NewSQS(sqs.NewFromConfig(awsCfg), cfg.PublishQueueURL)
	}

	notifier := notify.NewService(buildEmailSender(cfg, awsCfg, logger), notify.Config{
		Enabled:     cfg.OperatorEmail != "",
		Recipients:  splitRecipients(cfg.OperatorEmail),
		AccountName: cfg.NotifyFromName,
	}, logger)

	var llmClient llm.Client = llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Error("failed to create Gemini client", "error", err)
			os.Exit(1)
		}
		llmClient = llm.NewFallbackClient(llmClient, gemini, logger.Logger)
	}
	analyticsAgent := agents.NewAnalyticsAgent(llmClient, cfg.BedrockModelID, gateway, analyticsRepo, logger.Logger)

	scheduler := tasks.NewScheduler(jobStore, q, cfg.PublishPollPeriod, logger.Logger)
	worker := tasks.NewWorker(q, jobStore, draftRepo, gateway, notifier, logger.Logger)
	snapshot := tasks.NewSnapshotJob(func(ctx context.Context) error {
		report, _, _, err := analyticsAgent.Snapshot(ctx)
		if err != nil {
			return err
		}
		notifier.SnapshotStored(ctx, report.NewFollowers, report.ChurnedFollowers, report.TotalReads, report.TotalShares)
		return nil
	}, 2, logger.Logger)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); scheduler.Run(ctx) }()
	go func() { defer wg.Done(); worker.Run(ctx) }()
	go func() { defer wg.Done(); snapshot.Run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("worker stopped")
	case <-doneCtx.Done():
		logger.Error("worker shutdown timed out", "error", doneCtx.Err())
	}
}

func buildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	switch cfg.EmailProvider {
	case "sendgrid":
		sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger)
		if sender == nil {
			return nil
		}
		return sender
	default:
		sender := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.NotifyFromEmail,
			FromName:  cfg.NotifyFromName,
		}, logger)
		if sender == nil {
			return nil
		}
		return sender
	}
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
