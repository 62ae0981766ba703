package wechat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestCredentialCacheFetchesOnce(t *testing.T) {
	rdb, _ := newTestRedis(t)

	var fetches int32
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&fetches, 1)
		return "token-1", 7200 * time.Second, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	for i := 0; i < 3; i++ {
		token, err := cache.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "token-1", token)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestCredentialCacheConcurrentCallersShareOneFetch(t *testing.T) {
	rdb, _ := newTestRedis(t)

	var fetches int32
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&fetches, 1)
		time.Sleep(10 * time.Millisecond)
		return "token-1", 7200 * time.Second, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "token-1", token)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestCredentialCacheWritesThroughToRedis(t *testing.T) {
	rdb, mr := newTestRedis(t)

	fetch := func(ctx context.Context) (string, time.Duration, error) {
		return "token-1", 7200 * time.Second, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)

	stored, err := mr.Get(credentialKey)
	require.NoError(t, err)
	assert.Equal(t, "token-1", stored)

	// Stored TTL has the safety margin subtracted from the platform
	// lifetime.
	ttl := mr.TTL(credentialKey)
	assert.Equal(t, 7000*time.Second, ttl)
}

func TestCredentialCacheReadsExistingRedisToken(t *testing.T) {
	rdb, mr := newTestRedis(t)
	mr.Set(credentialKey, "shared-token")
	mr.SetTTL(credentialKey, time.Hour)

	fetch := func(ctx context.Context) (string, time.Duration, error) {
		t.Fatal("fetch should not be called when redis holds a valid token")
		return "", 0, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "shared-token", token)
}

func TestCredentialCacheRefreshReplacesToken(t *testing.T) {
	rdb, mr := newTestRedis(t)

	var fetches int32
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		n := atomic.AddInt32(&fetches, 1)
		if n == 1 {
			return "token-1", 7200 * time.Second, nil
		}
		return "token-2", 7200 * time.Second, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	token, err = cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)

	stored, err := mr.Get(credentialKey)
	require.NoError(t, err)
	assert.Equal(t, "token-2", stored)
}

func TestCredentialCacheInvalidateDropsToken(t *testing.T) {
	rdb, mr := newTestRedis(t)

	var fetches int32
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		atomic.AddInt32(&fetches, 1)
		return "token-1", 7200 * time.Second, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	_, err := cache.Token(context.Background())
	require.NoError(t, err)

	cache.Invalidate(context.Background())
	assert.False(t, mr.Exists(credentialKey))

	_, err = cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetches))
}

func TestCredentialCacheRejectsEmptyToken(t *testing.T) {
	rdb, _ := newTestRedis(t)

	fetch := func(ctx context.Context) (string, time.Duration, error) {
		return "   ", 7200 * time.Second, nil
	}
	cache := NewCredentialCache(rdb, fetch, 200*time.Second, nil)

	_, err := cache.Token(context.Background())
	assert.Error(t, err)
}
