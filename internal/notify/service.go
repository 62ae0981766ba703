package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/hexleaf/wechat-ai-platform/internal/tasks"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

// Config controls who receives operator notifications.
type Config struct {
	Enabled     bool
	Recipients  []string
	AccountName string
}

// Service sends operator notifications for publishing outcomes.
type Service struct {
	email       EmailSender
	recipients  []string
	accountName string
	enabled     bool
	logger      *logging.Logger
}

var _ tasks.Notifier = (*Service)(nil)

// NewService creates a notification service. A nil email sender or empty
// recipient list disables delivery without breaking callers.
func NewService(email EmailSender, cfg Config, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.AccountName == "" {
		cfg.AccountName = "公众号"
	}
	return &Service{
		email:       email,
		recipients:  cfg.Recipients,
		accountName: cfg.AccountName,
		enabled:     cfg.Enabled && email != nil && len(cfg.Recipients) > 0,
		logger:      logger,
	}
}

// PublishSucceeded notifies the operator that a scheduled article went out.
func (s *Service) PublishSucceeded(ctx context.Context, title, publishID string) {
	if !s.enabled {
		s.logger.Debug("notify: delivery disabled, skipping publish success notice", "title", title)
		return
	}

	subject := fmt.Sprintf("✅ 文章已发布 - %s", title)
	body := fmt.Sprintf(`《%s》已成功发布到%s。

发布编号: %s
发布时间: %s

— %s 运营助手`, title, s.accountName, publishID, time.Now().Format("2006-01-02 15:04"), s.accountName)

	s.deliver(ctx, subject, body)
}

// PublishFailed notifies the operator that a scheduled article did not go out.
func (s *Service) PublishFailed(ctx context.Context, title, errMsg string) {
	if !s.enabled {
		s.logger.Debug("notify: delivery disabled, skipping publish failure notice", "title", title)
		return
	}

	subject := fmt.Sprintf("❌ 文章发布失败 - %s", title)
	body := fmt.Sprintf(`《%s》发布失败，请登录后台检查。

失败原因: %s
失败时间: %s

任务已标记为失败，不会自动重试。

— %s 运营助手`, title, errMsg, time.Now().Format("2006-01-02 15:04"), s.accountName)

	s.deliver(ctx, subject, body)
}

// SnapshotStored mails the daily analytics digest after the snapshot job runs.
func (s *Service) SnapshotStored(ctx context.Context, newFollowers, churned, reads, shares int) {
	if !s.enabled {
		return
	}

	subject := fmt.Sprintf("📊 %s 运营日报", s.accountName)
	body := fmt.Sprintf(`过去 7 天数据概览:

新增关注: %d
取消关注: %d
阅读次数: %d
分享次数: %d

完整报告可在公众号内发送「数据报告」查看。

— %s 运营助手`, newFollowers, churned, reads, shares, s.accountName)

	s.deliver(ctx, subject, body)
}

func (s *Service) deliver(ctx context.Context, subject, body string) {
	for _, recipient := range s.recipients {
		msg := EmailMessage{
			To:      recipient,
			Subject: subject,
			Body:    body,
		}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("notify: failed to send email", "error", err, "to", recipient, "subject", subject)
			continue
		}
		s.logger.Info("notify: operator email sent", "to", recipient, "subject", subject)
	}
}
