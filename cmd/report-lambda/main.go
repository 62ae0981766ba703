// Scheduled Lambda entrypoint that builds one analytics snapshot per
// invocation. Deployed behind an EventBridge cron so operators get a
// daily report without keeping the worker warm.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hexleaf/wechat-ai-platform/cmd/mainconfig"
	"github.com/hexleaf/wechat-ai-platform/internal/agents"
	appconfig "github.com/hexleaf/wechat-ai-platform/internal/config"
	"github.com/hexleaf/wechat-ai-platform/internal/llm"
	"github.com/hexleaf/wechat-ai-platform/internal/notify"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

type snapshotRunner struct {
	agent    *agents.AnalyticsAgent
	notifier *notify.Service
	logger   *logging.Logger
}

func (r *snapshotRunner) handle(ctx context.Context, _ events.CloudWatchEvent) error {
	report, _, snapshotID, err := r.agent.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	r.logger.Info("snapshot stored",
		"snapshot_id", snapshotID,
		"new_followers", report.NewFollowers,
		"churned", report.ChurnedFollowers,
	)
	r.notifier.SnapshotStored(ctx, report.NewFollowers, report.ChurnedFollowers, report.TotalReads, report.TotalShares)
	return nil
}

func main() {
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create pgx pool", "error", err)
		os.Exit(1)
	}
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

	var llmClient llm.Client = llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			logger.Error("failed to create Gemini client", "error", err)
			os.Exit(1)
		}
		llmClient = llm.NewFallbackClient(llmClient, gemini, logger.Logger)
	}

	var sender notify.EmailSender
	if s := notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
		FromEmail: cfg.NotifyFromEmail,
		FromName:  cfg.NotifyFromName,
	}, logger); s != nil {
		sender = s
	}
	notifier := notify.NewService(sender, notify.Config{
		Enabled:     cfg.OperatorEmail != "",
		Recipients:  []string{cfg.OperatorEmail},
		AccountName: cfg.NotifyFromName,
	}, logger)

	runner := &snapshotRunner{
		agent:    agents.NewAnalyticsAgent(llmClient, cfg.BedrockModelID, gateway, analyticsRepo, logger.Logger),
		notifier: notifier,
		logger:   logger,
	}

	lambda.Start(runner.handle)
}
