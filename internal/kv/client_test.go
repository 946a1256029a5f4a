package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestKV(t *testing.T) (*miniredis.Miniredis, *Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultConfig()
	config.Addr = mr.Addr()

	client, err := NewClient(config, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return mr, client
}

func TestNewClient(t *testing.T) {
	_, client := setupTestKV(t)

	assert.NotNil(t, client)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestNewClient_URL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	config := DefaultConfig()
	config.URL = "redis://" + mr.Addr() + "/0"

	client, err := NewClient(config, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	assert.NoError(t, client.Ping(context.Background()))
}

func TestNewClient_ConnectError(t *testing.T) {
	config := DefaultConfig()
	config.Addr = "127.0.0.1:1" // nothing listens here
	config.MaxRetries = 0

	_, err := NewClient(config, zap.NewNop())
	assert.Error(t, err)
}

func TestClient_GetSet(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, client.SetEx(ctx, "k", "v", time.Minute))

	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
}

func TestClient_SetNX(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	ok, err := client.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestClient_Del(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, client.SetEx(ctx, "k", "v", time.Minute))
	require.NoError(t, client.Del(ctx, "k"))

	_, err := client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)

	// 空键列表是无操作
	assert.NoError(t, client.Del(ctx))
}

func TestClient_ListOps(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, client.RPush(ctx, "list", "a"))
	require.NoError(t, client.RPush(ctx, "list", "b"))
	require.NoError(t, client.LPush(ctx, "list", "urgent"))

	n, err := client.LLen(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	val, err := client.BLPop(ctx, time.Second, "list")
	require.NoError(t, err)
	assert.Equal(t, "urgent", val)

	val, err = client.BLPop(ctx, time.Second, "list")
	require.NoError(t, err)
	assert.Equal(t, "a", val)
}

func TestClient_BLPopTimeout(t *testing.T) {
	_, client := setupTestKV(t)

	_, err := client.BLPop(context.Background(), 50*time.Millisecond, "empty")
	assert.ErrorIs(t, err, ErrNil)
}

func TestClient_HashOps(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "h", "f1", "v1", "f2", "v2"))

	val, err := client.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.Equal(t, "v1", val)

	_, err = client.HGet(ctx, "h", "missing")
	assert.ErrorIs(t, err, ErrNil)

	n, err := client.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := client.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, client.HDel(ctx, "h", "f1"))
	n, err = client.HLen(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_HIncrBy(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	n, err := client.HIncrBy(ctx, "stats", "total", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.HIncrBy(ctx, "stats", "total", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestClient_Expire(t *testing.T) {
	mr, client := setupTestKV(t)
	ctx := context.Background()

	require.NoError(t, client.SetEx(ctx, "k", "v", 0))
	require.NoError(t, client.Expire(ctx, "k", time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := client.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNil)
}

func TestClient_RunScript(t *testing.T) {
	_, client := setupTestKV(t)
	ctx := context.Background()

	script := redis.NewScript(`return redis.call('SET', KEYS[1], ARGV[1])`)
	_, err := client.RunScript(ctx, script, []string{"scripted"}, "value")
	require.NoError(t, err)

	val, err := client.Get(ctx, "scripted")
	require.NoError(t, err)
	assert.Equal(t, "value", val)
}

func TestClient_Closed(t *testing.T) {
	_, client := setupTestKV(t)
	require.NoError(t, client.Close())

	_, err := client.Get(context.Background(), "k")
	assert.Error(t, err)

	// Close is idempotent.
	assert.NoError(t, client.Close())
}
