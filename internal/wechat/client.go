// Package wechat is the outbound gateway to the WeChat Official Account
// platform. It owns credential refresh, quota enforcement, and the
// retry policy for every platform call.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hexleaf/wechat-ai-platform/internal/observability/metrics"
	"github.com/hexleaf/wechat-ai-platform/internal/ratelimit"
)

const (
	defaultBaseURL   = "https://api.weixin.qq.com"
	rateLimitKey     = "wechat:api:calls"
	defaultUserAgent = "wechat-ai-platform/0.1"
)

// Config controls how the gateway client behaves.
type Config struct {
	AppID          string
	AppSecret      string
	BaseURL        string
	CallTimeout    time.Duration
	UploadTimeout  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RateLimit      int64
	RateWindow     time.Duration
	SafetyMargin   time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
	UserAgent      string
	Metrics        *metrics.GatewayMetrics
}

// Client wraps the Official Account REST endpoints the agents use.
type Client struct {
	appID        string
	appSecret    string
	baseURL      string
	httpClient   *http.Client
	uploadClient *http.Client
	maxRetries   int
	backoff      time.Duration
	rateLimit    int64
	rateWindow   time.Duration
	limiter      *ratelimit.Limiter
	creds        *CredentialCache
	logger       *slog.Logger
	userAgent    string
	metrics      *metrics.GatewayMetrics
}

// New creates a configured Client with sane defaults.
func New(cfg Config, rdb *redis.Client) (*Client, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errors.New("wechat: app id and secret are required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	uploadTimeout := cfg.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}

	maxRetries := cfg.RetryAttempts
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := cfg.RetryBaseDelay
	if backoff <= 0 {
		backoff = time.Second
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 60
	}
	rateWindow := cfg.RateWindow
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	c := &Client{
		appID:        cfg.AppID,
		appSecret:    cfg.AppSecret,
		baseURL:      baseURL,
		httpClient:   httpClient,
		uploadClient: &http.Client{Timeout: uploadTimeout},
		maxRetries:   maxRetries,
		backoff:      backoff,
		rateLimit:    rateLimit,
		rateWindow:   rateWindow,
		limiter:      ratelimit.NewLimiter(rdb),
		logger:       logger,
		userAgent:    userAgent,
		metrics:      cfg.Metrics,
	}
	c.creds = NewCredentialCache(rdb, c.fetchToken, cfg.SafetyMargin, logger)
	return c, nil
}

// Credentials exposes the token cache for callers that need to force a
// refresh out of band.
func (c *Client) Credentials() *CredentialCache {
	return c.creds
}

// SendText pushes a text message to a follower through the customer
// service channel.
func (c *Client) SendText(ctx context.Context, openID, content string) error {
	if strings.TrimSpace(openID) == "" {
		return errors.New("wechat: open id required")
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("wechat: message content required")
	}
	req := textMessageRequest{ToUser: openID, MsgType: "text"}
	req.Text.Content = content
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("wechat: marshal text message: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/cgi-bin/message/custom/send", nil, body, "application/json", false)
	return err
}

// SendNews pushes a rich media card message to a follower.
func (c *Client) SendNews(ctx context.Context, openID string, articles []NewsArticle) error {
	if strings.TrimSpace(openID) == "" {
		return errors.New("wechat: open id required")
	}
	if len(articles) == 0 {
		return errors.New("wechat: at least one article required")
	}
	req := newsMessageRequest{ToUser: openID, MsgType: "news"}
	req.News.Articles = articles
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("wechat: marshal news message: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/cgi-bin/message/custom/send", nil, body, "application/json", false)
	return err
}

// UploadMedia uploads temporary media and returns its platform handle.
// Uploads use the longer timeout.
func (c *Client) UploadMedia(ctx context.Context, mediaType, fileName string, r io.Reader) (*MediaUpload, error) {
	if strings.TrimSpace(mediaType) == "" {
		return nil, errors.New("wechat: media type required")
	}
	if r == nil {
		return nil, errors.New("wechat: media reader required")
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("media", fileName)
	if err != nil {
		return nil, fmt.Errorf("wechat: create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("wechat: copy media: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("wechat: close multipart writer: %w", err)
	}

	q := url.Values{}
	q.Set("type", mediaType)
	data, err := c.invoke(ctx, http.MethodPost, "/cgi-bin/media/upload", q, buf.Bytes(), writer.FormDataContentType(), true)
	if err != nil {
		return nil, err
	}
	var upload MediaUpload
	if err := json.Unmarshal(data, &upload); err != nil {
		return nil, fmt.Errorf("wechat: decode upload response: %w", err)
	}
	return &upload, nil
}

// AddDraft stores articles in the draft box and returns the draft media
// id used for later publication.
func (c *Client) AddDraft(ctx context.Context, articles []DraftArticle) (string, error) {
	if len(articles) == 0 {
		return "", errors.New("wechat: at least one draft article required")
	}
	body, err := json.Marshal(addDraftRequest{Articles: articles})
	if err != nil {
		return "", fmt.Errorf("wechat: marshal draft: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/cgi-bin/draft/add", nil, body, "application/json", false)
	if err != nil {
		return "", err
	}
	var resp addDraftResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("wechat: decode draft response: %w", err)
	}
	if resp.MediaID == "" {
		return "", errors.New("wechat: draft response missing media id")
	}
	return resp.MediaID, nil
}

// PublishDraft submits a draft box entry for publication and returns
// the platform publish id.
func (c *Client) PublishDraft(ctx context.Context, mediaID string) (string, error) {
	if strings.TrimSpace(mediaID) == "" {
		return "", errors.New("wechat: media id required")
	}
	body, err := json.Marshal(map[string]string{"media_id": mediaID})
	if err != nil {
		return "", fmt.Errorf("wechat: marshal publish request: %w", err)
	}
	data, err := c.invoke(ctx, http.MethodPost, "/cgi-bin/freepublish/submit", nil, body, "application/json", false)
	if err != nil {
		return "", err
	}
	var resp struct {
		PublishID int64 `json:"publish_id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("wechat: decode publish response: %w", err)
	}
	return fmt.Sprintf("%d", resp.PublishID), nil
}

// FetchUserSummary pulls daily follower movement for the date range.
func (c *Client) FetchUserSummary(ctx context.Context, begin, end time.Time) ([]UserSummary, error) {
	body, err := marshalDateRange(begin, end)
	if err != nil {
		return nil, err
	}
	data, err := c.invoke(ctx, http.MethodPost, "/datacube/getusersummary", nil, body, "application/json", false)
	if err != nil {
		return nil, err
	}
	var resp userSummaryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("wechat: decode user summary: %w", err)
	}
	return resp.List, nil
}

// FetchArticleTotal pulls cumulative article performance for the date
// range.
func (c *Client) FetchArticleTotal(ctx context.Context, begin, end time.Time) ([]ArticleTotal, error) {
	body, err := marshalDateRange(begin, end)
	if err != nil {
		return nil, err
	}
	data, err := c.invoke(ctx, http.MethodPost, "/datacube/getarticletotal", nil, body, "application/json", false)
	if err != nil {
		return nil, err
	}
	var resp articleTotalResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("wechat: decode article total: %w", err)
	}
	return resp.List, nil
}

// GetUserInfo fetches the follower profile for an open id.
func (c *Client) GetUserInfo(ctx context.Context, openID string) (*UserInfo, error) {
	if strings.TrimSpace(openID) == "" {
		return nil, errors.New("wechat: open id required")
	}
	q := url.Values{}
	q.Set("openid", openID)
	q.Set("lang", "zh_CN")
	data, err := c.invoke(ctx, http.MethodGet, "/cgi-bin/user/info", q, nil, "", false)
	if err != nil {
		return nil, err
	}
	var info UserInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("wechat: decode user info: %w", err)
	}
	return &info, nil
}

// CreateMenu replaces the account's custom menu.
func (c *Client) CreateMenu(ctx context.Context, buttons []MenuButton) error {
	if len(buttons) == 0 {
		return errors.New("wechat: at least one menu button required")
	}
	body, err := json.Marshal(menuRequest{Buttons: buttons})
	if err != nil {
		return fmt.Errorf("wechat: marshal menu: %w", err)
	}
	_, err = c.invoke(ctx, http.MethodPost, "/cgi-bin/menu/create", nil, body, "application/json", false)
	return err
}

// GetMenu fetches the custom menu currently installed on the account.
func (c *Client) GetMenu(ctx context.Context) ([]MenuButton, error) {
	data, err := c.invoke(ctx, http.MethodGet, "/cgi-bin/menu/get", nil, nil, "", false)
	if err != nil {
		return nil, err
	}
	var envelope menuEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("wechat: decode menu: %w", err)
	}
	return envelope.Menu.Buttons, nil
}

// DeleteMenu removes the custom menu entirely.
func (c *Client) DeleteMenu(ctx context.Context) error {
	_, err := c.invoke(ctx, http.MethodGet, "/cgi-bin/menu/delete", nil, nil, "", false)
	return err
}

func marshalDateRange(begin, end time.Time) ([]byte, error) {
	if begin.After(end) {
		return nil, errors.New("wechat: begin date is after end date")
	}
	body, err := json.Marshal(dateRangeRequest{
		BeginDate: begin.Format("2006-01-02"),
		EndDate:   end.Format("2006-01-02"),
	})
	if err != nil {
		return nil, fmt.Errorf("wechat: marshal date range: %w", err)
	}
	return body, nil
}

// invoke runs a platform call with the retry policy. A rejected token
// triggers exactly one forced refresh before the call is retried; a
// second rejection is a hard failure.
func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, upload bool) ([]byte, error) {
	data, err := c.invokeOnce(ctx, method, path, query, body, contentType, upload)
	if err == nil || !isCredentialExpired(err) {
		return data, err
	}

	c.logger.Warn("platform rejected access token, forcing refresh", "path", path)
	c.metrics.ObserveTokenRefresh()
	if _, refreshErr := c.creds.Refresh(ctx); refreshErr != nil {
		return nil, refreshErr
	}
	return c.invokeOnce(ctx, method, path, query, body, contentType, upload)
}

func (c *Client) invokeOnce(ctx context.Context, method, path string, query url.Values, body []byte, contentType string, upload bool) ([]byte, error) {
	httpClient := c.httpClient
	if upload {
		httpClient = c.uploadClient
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		allowed, err := c.limiter.Allow(ctx, rateLimitKey, c.rateLimit, c.rateWindow)
		if err != nil {
			return nil, err
		}
		if !allowed {
			c.metrics.ObserveRateLimited()
			return nil, fmt.Errorf("%w: local quota for window exhausted", ErrRateLimited)
		}

		token, err := c.creds.Token(ctx)
		if err != nil {
			return nil, err
		}

		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path, token, query), bodyReader)
		if err != nil {
			return nil, fmt.Errorf("wechat: build request: %w", err)
		}
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			ct := contentType
			if ct == "" {
				ct = "application/json"
			}
			req.Header.Set("Content-Type", ct)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !shouldRetry(0, err) || attempt == c.maxRetries {
				return nil, fmt.Errorf("wechat: http error: %w", err)
			}
			lastErr = err
			c.logRetry(path, attempt, 0, err)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("wechat: read response: %w", readErr)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &APIError{StatusCode: resp.StatusCode, ErrMsg: http.StatusText(resp.StatusCode)}
			if attempt < c.maxRetries && shouldRetry(resp.StatusCode, nil) {
				lastErr = statusErr
				c.logRetry(path, attempt, resp.StatusCode, statusErr)
				if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
					return nil, sleepErr
				}
				continue
			}
			return nil, statusErr
		}

		apiErr := decodeAPIError(resp.StatusCode, data)
		if apiErr == nil {
			c.metrics.ObserveCall(path, "ok")
			return data, nil
		}
		if apiErr.ErrCode == errCodeAPIQuotaReached {
			c.metrics.ObserveRateLimited()
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, apiErr.ErrMsg)
		}
		c.metrics.ObserveCall(path, "error")
		return nil, apiErr
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.New("wechat: request failed without response")
}

// fetchToken is the credential cache's upstream. It bypasses the token
// cache but still respects the shared call quota.
func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	allowed, err := c.limiter.Allow(ctx, rateLimitKey, c.rateLimit, c.rateWindow)
	if err != nil {
		return "", 0, err
	}
	if !allowed {
		c.metrics.ObserveRateLimited()
		return "", 0, fmt.Errorf("%w: local quota for window exhausted", ErrRateLimited)
	}

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", c.appID)
	q.Set("secret", c.appSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", 0, fmt.Errorf("wechat: build token request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("wechat: token request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("wechat: read token response: %w", err)
	}
	if apiErr := decodeAPIError(resp.StatusCode, data); apiErr != nil {
		return "", 0, apiErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", 0, fmt.Errorf("wechat: decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, errors.New("wechat: token response missing access_token")
	}
	c.metrics.ObserveTokenRefresh()
	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}

func (c *Client) buildURL(path, token string, query url.Values) string {
	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("access_token", token)
	return c.baseURL + "/" + strings.TrimLeft(path, "/") + "?" + q.Encode()
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) logRetry(path string, attempt int, status int, err error) {
	c.logger.Warn("wechat retry",
		"path", path,
		"attempt", attempt+1,
		"status", status,
		"error", err,
	)
}

func shouldRetry(status int, err error) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return !errors.Is(err, context.Canceled)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	if status >= 500 && status <= 599 {
		return true
	}
	return false
}

// decodeAPIError returns nil when the body carries no errcode or
// errcode zero. The platform reports most failures inside an HTTP 200.
func decodeAPIError(status int, data []byte) *APIError {
	var apiErr APIError
	if err := json.Unmarshal(data, &apiErr); err != nil {
		return nil
	}
	if apiErr.ErrCode == 0 {
		return nil
	}
	apiErr.StatusCode = status
	return &apiErr
}
