package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockEmailSender struct {
	sent   []EmailMessage
	failOn string // fail if To matches this
}

func (m *mockEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	if m.failOn != "" && msg.To == m.failOn {
		return errors.New("mock email error")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func newTestService(email EmailSender, recipients ...string) *Service {
	return NewService(email, Config{
		Enabled:     true,
		Recipients:  recipients,
		AccountName: "测试号",
	}, nil)
}

func TestPublishSucceededMailsAllRecipients(t *testing.T) {
	email := &mockEmailSender{}
	svc := newTestService(email, "a@example.com", "b@example.com")

	svc.PublishSucceeded(context.Background(), "夏季养生指南", "pub-42")

	assert.Len(t, email.sent, 2)
	assert.Equal(t, "a@example.com", email.sent[0].To)
	assert.Contains(t, email.sent[0].Subject, "文章已发布")
	assert.Contains(t, email.sent[0].Body, "夏季养生指南")
	assert.Contains(t, email.sent[0].Body, "pub-42")
}

func TestPublishFailedIncludesReason(t *testing.T) {
	email := &mockEmailSender{}
	svc := newTestService(email, "ops@example.com")

	svc.PublishFailed(context.Background(), "夏季养生指南", "quota reached")

	assert.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].Subject, "发布失败")
	assert.Contains(t, email.sent[0].Body, "quota reached")
}

func TestDeliveryContinuesAfterOneFailure(t *testing.T) {
	email := &mockEmailSender{failOn: "a@example.com"}
	svc := newTestService(email, "a@example.com", "b@example.com")

	svc.PublishSucceeded(context.Background(), "标题", "pub-1")

	assert.Len(t, email.sent, 1)
	assert.Equal(t, "b@example.com", email.sent[0].To)
}

func TestDisabledServiceSendsNothing(t *testing.T) {
	email := &mockEmailSender{}

	svc := NewService(email, Config{Enabled: false, Recipients: []string{"a@example.com"}}, nil)
	svc.PublishSucceeded(context.Background(), "标题", "pub-1")
	svc.PublishFailed(context.Background(), "标题", "err")
	svc.SnapshotStored(context.Background(), 1, 2, 3, 4)

	assert.Empty(t, email.sent)
}

func TestNoRecipientsDisablesDelivery(t *testing.T) {
	email := &mockEmailSender{}

	svc := NewService(email, Config{Enabled: true}, nil)
	svc.PublishSucceeded(context.Background(), "标题", "pub-1")

	assert.Empty(t, email.sent)
}

func TestSnapshotDigestContents(t *testing.T) {
	email := &mockEmailSender{}
	svc := newTestService(email, "ops@example.com")

	svc.SnapshotStored(context.Background(), 40, 10, 1000, 50)

	assert.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].Subject, "运营日报")
	assert.Contains(t, email.sent[0].Body, "新增关注: 40")
	assert.Contains(t, email.sent[0].Body, "阅读次数: 1000")
}
