// Package kv provides the shared key-value store client backing the rate
// limiter, the request queue, and idempotency tracking. It wraps a Redis
// connection pool with the subset of operations streamstack relies on:
// strings, lists, hashes, TTLs, and atomic Lua scripts.
// This package is internal and should not be imported by external projects.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNil is returned when a key or field does not exist.
var ErrNil = errors.New("kv: nil")

// Config KV 连接配置
type Config struct {
	// Redis 地址，host:port 形式；URL 优先
	Addr string `yaml:"addr" json:"addr"`

	// 完整连接 URL（redis://...），设置时覆盖 Addr/Password/DB
	URL string `yaml:"url" json:"url"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 单次操作超时
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout"`
}

// DefaultConfig returns the default KV configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		OpTimeout:    5 * time.Second,
	}
}

// Client wraps a Redis connection pool. All methods are safe for concurrent
// use; after Close, every method returns an error.
type Client struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewClient connects to the KV store and verifies the connection with a ping.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	var opts *redis.Options
	if config.URL != "" {
		parsed, err := redis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid kv url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}
	}
	opts.MaxRetries = config.MaxRetries
	opts.PoolSize = config.PoolSize
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to kv store: %w", err)
	}

	c := &Client{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "kv")),
	}

	c.logger.Info("kv client initialized",
		zap.String("addr", opts.Addr),
		zap.Int("pool_size", opts.PoolSize),
	)

	return c, nil
}

func (c *Client) guard() error {
	if c.closed {
		return errors.New("kv client is closed")
	}
	return nil
}

// Get 获取字符串值
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return "", err
	}

	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("kv get failed: %w", err)
	}
	return val, nil
}

// SetEx 设置字符串值及过期时间
func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.redis.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set failed: %w", err)
	}
	return nil
}

// SetNX sets key to value with a TTL only if the key does not exist.
// Returns true when the key was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return false, err
	}

	ok, err := c.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv setnx failed: %w", err)
	}
	return ok, nil
}

// Del 删除键
func (c *Client) Del(ctx context.Context, keys ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv del failed: %w", err)
	}
	return nil
}

// Expire 设置键的过期时间
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.redis.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire failed: %w", err)
	}
	return nil
}

// LPush 从列表头部插入
func (c *Client) LPush(ctx context.Context, key string, values ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.redis.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv lpush failed: %w", err)
	}
	return nil
}

// RPush 从列表尾部插入
func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := c.redis.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv rpush failed: %w", err)
	}
	return nil
}

// BLPop blocks up to timeout waiting for an element at the head of key.
// Returns ErrNil when the wait times out. A zero timeout blocks indefinitely.
func (c *Client) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return "", err
	}

	res, err := c.redis.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("kv blpop failed: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("kv blpop: unexpected reply length %d", len(res))
	}
	return res[1], nil
}

// LRange 返回列表区间内的元素
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}

	vals, err := c.redis.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv lrange failed: %w", err)
	}
	return vals, nil
}

// LRem removes up to count occurrences of value from the list at key and
// returns the number removed.
func (c *Client) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := c.redis.LRem(ctx, key, count, value).Result()
	if err != nil {
		return 0, fmt.Errorf("kv lrem failed: %w", err)
	}
	return n, nil
}

// LLen 返回列表长度
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := c.redis.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv llen failed: %w", err)
	}
	return n, nil
}

// HSet 设置哈希字段
func (c *Client) HSet(ctx context.Context, key string, fieldValues ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	args := make([]interface{}, len(fieldValues))
	for i, v := range fieldValues {
		args[i] = v
	}
	if err := c.redis.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv hset failed: %w", err)
	}
	return nil
}

// HGet 获取哈希字段
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return "", err
	}

	val, err := c.redis.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("kv hget failed: %w", err)
	}
	return val, nil
}

// HDel 删除哈希字段
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}

	if err := c.redis.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("kv hdel failed: %w", err)
	}
	return nil
}

// HLen 返回哈希字段数
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := c.redis.HLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv hlen failed: %w", err)
	}
	return n, nil
}

// HGetAll 获取整个哈希
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}

	m, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall failed: %w", err)
	}
	return m, nil
}

// HIncrBy 原子递增哈希字段
func (c *Client) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return 0, err
	}

	n, err := c.redis.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("kv hincrby failed: %w", err)
	}
	return n, nil
}

// RunScript executes a Lua script atomically, using EVALSHA with automatic
// fallback to EVAL when the script is not yet cached server-side.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return nil, err
	}

	res, err := script.Run(ctx, c.redis, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv script failed: %w", err)
	}
	return res, nil
}

// Ping 检查连接
func (c *Client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.guard(); err != nil {
		return err
	}
	return c.redis.Ping(ctx).Err()
}

// Close 关闭客户端
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.logger.Info("closing kv client")

	return c.redis.Close()
}
