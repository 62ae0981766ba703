package wechat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const credentialKey = "wechat:access_token"

// FetchFunc obtains a fresh access token from the platform, returning
// the token and its advertised lifetime.
type FetchFunc func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// CredentialCache serializes token refreshes across goroutines and
// shares the token across processes through Redis. Tokens are stored
// with the safety margin already subtracted so a token near the end of
// its platform lifetime is never handed out.
type CredentialCache struct {
	mu           sync.Mutex
	rdb          *redis.Client
	fetch        FetchFunc
	safetyMargin time.Duration
	logger       *slog.Logger

	token   string
	expires time.Time
}

func NewCredentialCache(rdb *redis.Client, fetch FetchFunc, safetyMargin time.Duration, logger *slog.Logger) *CredentialCache {
	if safetyMargin <= 0 {
		safetyMargin = 200 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialCache{
		rdb:          rdb,
		fetch:        fetch,
		safetyMargin: safetyMargin,
		logger:       logger,
	}
}

// Token returns a valid access token, refreshing from the platform only
// when both the in-process copy and the Redis copy are gone.
func (c *CredentialCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}

	if cached, err := c.rdb.Get(ctx, credentialKey).Result(); err == nil && cached != "" {
		ttl, ttlErr := c.rdb.TTL(ctx, credentialKey).Result()
		if ttlErr == nil && ttl > 0 {
			c.token = cached
			c.expires = time.Now().Add(ttl)
			return cached, nil
		}
	} else if err != nil && err != redis.Nil {
		c.logger.Warn("credential cache read failed, fetching fresh token", "error", err)
	}

	return c.refreshLocked(ctx)
}

// Refresh discards any cached token and fetches a new one. Used after
// the platform rejects a token that has not reached its local expiry.
func (c *CredentialCache) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(ctx)
	return c.refreshLocked(ctx)
}

// Invalidate drops the cached token without fetching a replacement.
func (c *CredentialCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(ctx)
}

func (c *CredentialCache) dropLocked(ctx context.Context) {
	c.token = ""
	c.expires = time.Time{}
	if err := c.rdb.Del(ctx, credentialKey).Err(); err != nil {
		c.logger.Warn("failed to drop cached credential", "error", err)
	}
}

func (c *CredentialCache) refreshLocked(ctx context.Context) (string, error) {
	token, expiresIn, err := c.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("wechat: fetching access token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("wechat: platform returned an empty access token")
	}

	ttl := expiresIn - c.safetyMargin
	if ttl <= 0 {
		ttl = expiresIn / 2
	}
	if ttl <= 0 {
		return "", fmt.Errorf("wechat: platform token lifetime %s is unusable", expiresIn)
	}

	c.token = token
	c.expires = time.Now().Add(ttl)

	if err := c.rdb.Set(ctx, credentialKey, token, ttl).Err(); err != nil {
		c.logger.Warn("failed to cache credential in redis", "error", err)
	}

	c.logger.Info("access token refreshed", "ttl", ttl.String())
	return token, nil
}
