package wechat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlatform simulates the Official Account API: tokens are issued
// from /cgi-bin/token and every other endpoint answers from a scripted
// queue of JSON bodies.
type fakePlatform struct {
	tokenFetches int32
	apiCalls     int32
	lastToken    atomic.Value

	mu        chan struct{}
	responses []scriptedResponse
}

type scriptedResponse struct {
	status int
	body   string
}

func newFakePlatform(responses ...scriptedResponse) *fakePlatform {
	p := &fakePlatform{mu: make(chan struct{}, 1), responses: responses}
	p.mu <- struct{}{}
	return p
}

func (p *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/cgi-bin/token" {
		n := atomic.AddInt32(&p.tokenFetches, 1)
		fmt.Fprintf(w, `{"access_token":"token-%d","expires_in":7200}`, n)
		return
	}

	atomic.AddInt32(&p.apiCalls, 1)
	p.lastToken.Store(r.URL.Query().Get("access_token"))

	<-p.mu
	var resp scriptedResponse
	if len(p.responses) > 0 {
		resp = p.responses[0]
		p.responses = p.responses[1:]
	} else {
		resp = scriptedResponse{status: http.StatusOK, body: `{"errcode":0,"errmsg":"ok"}`}
	}
	p.mu <- struct{}{}

	if resp.status != 0 && resp.status != http.StatusOK {
		w.WriteHeader(resp.status)
	}
	fmt.Fprint(w, resp.body)
}

func newTestClient(t *testing.T, platform *fakePlatform, mutate func(*Config)) *Client {
	t.Helper()
	rdb, _ := newTestRedis(t)
	srv := httptest.NewServer(platform)
	t.Cleanup(srv.Close)

	cfg := Config{
		AppID:          "appid",
		AppSecret:      "secret",
		BaseURL:        srv.URL,
		RetryAttempts:  3,
		RetryBaseDelay: time.Millisecond,
		RateLimit:      1000,
		RateWindow:     time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := New(cfg, rdb)
	require.NoError(t, err)
	return client
}

func TestClientSendText(t *testing.T) {
	platform := newFakePlatform()
	client := newTestClient(t, platform, nil)

	err := client.SendText(context.Background(), "openid-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&platform.tokenFetches))
	assert.Equal(t, int32(1), atomic.LoadInt32(&platform.apiCalls))
	assert.Equal(t, "token-1", platform.lastToken.Load())
}

func TestClientReusesCachedToken(t *testing.T) {
	platform := newFakePlatform()
	client := newTestClient(t, platform, nil)

	require.NoError(t, client.SendText(context.Background(), "openid-1", "one"))
	require.NoError(t, client.SendText(context.Background(), "openid-1", "two"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&platform.tokenFetches))
}

func TestClientRefreshesRejectedTokenOnce(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"errcode":40001,"errmsg":"invalid credential"}`},
	)
	client := newTestClient(t, platform, nil)

	err := client.SendText(context.Background(), "openid-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&platform.tokenFetches))
	assert.Equal(t, int32(2), atomic.LoadInt32(&platform.apiCalls))
	assert.Equal(t, "token-2", platform.lastToken.Load())
}

func TestClientSecondTokenRejectionIsFatal(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"errcode":40001,"errmsg":"invalid credential"}`},
		scriptedResponse{body: `{"errcode":42001,"errmsg":"access_token expired"}`},
	)
	client := newTestClient(t, platform, nil)

	err := client.SendText(context.Background(), "openid-1", "hello")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.CredentialExpired())
	assert.Equal(t, int32(2), atomic.LoadInt32(&platform.tokenFetches))
}

func TestClientLocalRateLimit(t *testing.T) {
	platform := newFakePlatform()
	client := newTestClient(t, platform, func(cfg *Config) {
		cfg.RateLimit = 3
	})

	// First send consumes two slots (the call plus the token fetch),
	// the second consumes one.
	require.NoError(t, client.SendText(context.Background(), "openid-1", "one"))
	require.NoError(t, client.SendText(context.Background(), "openid-1", "two"))

	err := client.SendText(context.Background(), "openid-1", "three")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	// The denied call never reached the platform.
	assert.Equal(t, int32(2), atomic.LoadInt32(&platform.apiCalls))
}

func TestClientPlatformQuotaMapsToRateLimited(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"errcode":45009,"errmsg":"reach max api daily quota limit"}`},
	)
	client := newTestClient(t, platform, nil)

	err := client.SendText(context.Background(), "openid-1", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestClientRetriesServerErrors(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{status: http.StatusBadGateway, body: `oops`},
		scriptedResponse{status: http.StatusInternalServerError, body: `oops`},
	)
	client := newTestClient(t, platform, nil)

	err := client.SendText(context.Background(), "openid-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&platform.apiCalls))
}

func TestClientRetriesAreBounded(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{status: http.StatusBadGateway, body: `oops`},
		scriptedResponse{status: http.StatusBadGateway, body: `oops`},
		scriptedResponse{status: http.StatusBadGateway, body: `oops`},
	)
	client := newTestClient(t, platform, func(cfg *Config) {
		cfg.RetryAttempts = 2
	})

	err := client.SendText(context.Background(), "openid-1", "hello")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&platform.apiCalls))
}

func TestClientGetUserInfo(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"subscribe":1,"openid":"openid-1","nickname":"reader","subscribe_time":1693200000}`},
	)
	client := newTestClient(t, platform, nil)

	info, err := client.GetUserInfo(context.Background(), "openid-1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Subscribe)
	assert.Equal(t, "reader", info.Nickname)
}

func TestClientAddDraft(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"media_id":"draft-123"}`},
	)
	client := newTestClient(t, platform, nil)

	mediaID, err := client.AddDraft(context.Background(), []DraftArticle{
		{Title: "Spring tea notes", Content: "<p>body</p>"},
	})
	require.NoError(t, err)
	assert.Equal(t, "draft-123", mediaID)
}

func TestClientFetchUserSummary(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"list":[{"ref_date":"2026-08-20","new_user":12,"cancel_user":3}]}`},
	)
	client := newTestClient(t, platform, nil)

	end := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	list, err := client.FetchUserSummary(context.Background(), end.AddDate(0, 0, -7), end)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 12, list[0].NewUser)
	assert.Equal(t, 3, list[0].CancelUser)
}

func TestClientMenuRoundTrip(t *testing.T) {
	platform := newFakePlatform(
		scriptedResponse{body: `{"errcode":0,"errmsg":"ok"}`},
		scriptedResponse{body: `{"menu":{"button":[{"type":"click","name":"数据分析","key":"analytics"}]}}`},
		scriptedResponse{body: `{"errcode":0,"errmsg":"ok"}`},
	)
	client := newTestClient(t, platform, nil)
	ctx := context.Background()

	require.NoError(t, client.CreateMenu(ctx, []MenuButton{
		{Type: "click", Name: "数据分析", Key: "analytics"},
	}))

	buttons, err := client.GetMenu(ctx)
	require.NoError(t, err)
	require.Len(t, buttons, 1)
	assert.Equal(t, "analytics", buttons[0].Key)

	require.NoError(t, client.DeleteMenu(ctx))
	assert.Equal(t, int32(3), atomic.LoadInt32(&platform.apiCalls))
}

func TestClientValidation(t *testing.T) {
	platform := newFakePlatform()
	client := newTestClient(t, platform, nil)
	ctx := context.Background()

	assert.Error(t, client.SendText(ctx, "", "hello"))
	assert.Error(t, client.SendText(ctx, "openid-1", ""))
	assert.Error(t, client.SendNews(ctx, "openid-1", nil))
	_, err := client.AddDraft(ctx, nil)
	assert.Error(t, err)
	_, err = client.FetchUserSummary(ctx, time.Now(), time.Now().AddDate(0, 0, -1))
	assert.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&platform.apiCalls))
}
