// Package ratelimit implements distributed token-bucket rate limiting on top
// of the shared KV store. Buckets live server-side and every consume is a
// single atomic Lua script, so any number of gateway instances can share the
// same limits without coordination.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/internal/kv"
	"github.com/BaSui01/streamstack/internal/metrics"
)

// Dimension 限流维度
type Dimension string

const (
	// DimensionRequests limits the number of requests per identifier.
	DimensionRequests Dimension = "requests"
	// DimensionTokens limits LLM token consumption per identifier.
	DimensionTokens Dimension = "tokens"
)

// tokenBucketScript refills and consumes in one atomic round trip. State is a
// hash {tokens, last_refill}; a missing hash means a full bucket. Refill is
// computed in whole periods from the elapsed time, so concurrent callers
// observing the same clock converge on the same bucket state.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local refill_period = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])

if tokens == nil then
    tokens = capacity
    last_refill = now
end

local time_elapsed = now - last_refill
local periods_elapsed = math.floor(time_elapsed / refill_period)

if periods_elapsed > 0 then
    tokens = math.min(capacity, tokens + (periods_elapsed * refill_rate))
    last_refill = last_refill + (periods_elapsed * refill_period)
end

local allowed = 0
local retry_after = 0

if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
else
    local tokens_needed = requested - tokens
    local periods_needed = math.ceil(tokens_needed / refill_rate)
    retry_after = periods_needed * refill_period
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', last_refill)
redis.call('EXPIRE', key, refill_period * 2)

local reset_time = last_refill + refill_period

return {allowed, tokens, reset_time, retry_after}
`)

// Result 单次限流判定结果
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining tokens in the deciding bucket after this check.
	Remaining int64

	// Limit is the capacity of the deciding bucket, for response headers.
	Limit int64

	// ResetTime is the Unix timestamp of the next refill.
	ResetTime int64

	// RetryAfter is the seconds until enough tokens accumulate.
	// Zero when Allowed.
	RetryAfter int64
}

// Config 限流配置
type Config struct {
	// 启用限流
	Enabled bool `yaml:"enabled" json:"enabled"`

	// 每分钟请求数
	RequestsPerMinute int64 `yaml:"requests_per_minute" json:"requests_per_minute"`

	// 每分钟 token 数
	TokensPerMinute int64 `yaml:"tokens_per_minute" json:"tokens_per_minute"`

	// 突发容量
	BurstSize int64 `yaml:"burst_size" json:"burst_size"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		RequestsPerMinute: 100,
		TokensPerMinute:   10000,
		BurstSize:         10,
	}
}

const refillPeriod = 60 // seconds

// Limiter enforces per-identifier request and token budgets. It is stateless
// apart from the KV store, so instances are cheap and safe to share.
type Limiter struct {
	kv      *kv.Client
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter 创建限流器
func NewLimiter(client *kv.Client, config Config, logger *zap.Logger, collector *metrics.Collector) *Limiter {
	l := &Limiter{
		kv:      client,
		config:  config,
		logger:  logger.With(zap.String("component", "ratelimit")),
		metrics: collector,
		now:     time.Now,
	}

	l.logger.Info("rate limiter initialized",
		zap.Bool("enabled", config.Enabled),
		zap.Int64("requests_per_minute", config.RequestsPerMinute),
		zap.Int64("tokens_per_minute", config.TokensPerMinute),
		zap.Int64("burst_size", config.BurstSize),
	)

	return l
}

func bucketKey(dim Dimension, identifier string) string {
	return fmt.Sprintf("rate_limit:%s:%s", dim, identifier)
}

func (l *Limiter) capacity(dim Dimension) (capacity, refillRate int64) {
	switch dim {
	case DimensionTokens:
		// Token buckets get a proportionally larger burst headroom.
		return l.config.TokensPerMinute + l.config.BurstSize*100, l.config.TokensPerMinute
	default:
		return l.config.RequestsPerMinute + l.config.BurstSize, l.config.RequestsPerMinute
	}
}

// consume runs the bucket script. On KV failure the limiter fails open: a
// broken store must degrade rate limiting, not availability.
func (l *Limiter) consume(ctx context.Context, dim Dimension, identifier string, requested int64) Result {
	capacity, refillRate := l.capacity(dim)
	now := l.now().Unix()

	raw, err := l.kv.RunScript(ctx, tokenBucketScript,
		[]string{bucketKey(dim, identifier)},
		capacity, refillRate, refillPeriod, requested, now,
	)
	if err != nil {
		l.logger.Error("rate limit check failed, failing open",
			zap.String("dimension", string(dim)),
			zap.String("identifier", identifier),
			zap.Error(err),
		)
		if l.metrics != nil {
			l.metrics.RecordRateLimitDecision(string(dim), "error")
		}
		return Result{
			Allowed:   true,
			Remaining: capacity,
			Limit:     capacity,
			ResetTime: now + refillPeriod,
		}
	}

	res := parseScriptReply(raw)
	res.Limit = capacity

	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	if l.metrics != nil {
		l.metrics.RecordRateLimitDecision(string(dim), outcome)
	}

	l.logger.Debug("rate limit check",
		zap.String("dimension", string(dim)),
		zap.String("identifier", identifier),
		zap.Int64("requested", requested),
		zap.Bool("allowed", res.Allowed),
		zap.Int64("remaining", res.Remaining),
	)

	return res
}

func parseScriptReply(raw interface{}) Result {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		// Defect in the script contract; treat as allowed.
		return Result{Allowed: true}
	}
	toInt := func(v interface{}) int64 {
		switch n := v.(type) {
		case int64:
			return n
		case string:
			var out int64
			fmt.Sscan(n, &out)
			return out
		default:
			return 0
		}
	}
	res := Result{
		Allowed:   toInt(vals[0]) == 1,
		Remaining: toInt(vals[1]),
		ResetTime: toInt(vals[2]),
	}
	if ra := toInt(vals[3]); ra > 0 {
		res.RetryAfter = ra
	}
	return res
}

// CheckRequest consumes one request slot for identifier.
func (l *Limiter) CheckRequest(ctx context.Context, identifier string) Result {
	return l.consume(ctx, DimensionRequests, identifier, 1)
}

// CheckTokens consumes tokens LLM tokens for identifier.
func (l *Limiter) CheckTokens(ctx context.Context, identifier string, tokens int64) Result {
	return l.consume(ctx, DimensionTokens, identifier, tokens)
}

// CheckBoth enforces the request budget first (it is the cheaper bucket),
// then the token budget with estimatedTokens. A denial from either dimension
// is returned as-is so the caller can surface that bucket's retry hint.
func (l *Limiter) CheckBoth(ctx context.Context, identifier string, estimatedTokens int64) Result {
	if !l.config.Enabled {
		return Result{Allowed: true}
	}
	if estimatedTokens < 1 {
		estimatedTokens = 1
	}

	reqRes := l.CheckRequest(ctx, identifier)
	if !reqRes.Allowed {
		return reqRes
	}

	tokRes := l.CheckTokens(ctx, identifier, estimatedTokens)
	if !tokRes.Allowed {
		return tokRes
	}

	// Remaining is expressed in whole requests: the request bucket directly,
	// the token bucket divided by this request's estimated cost.
	remaining := reqRes.Remaining
	if byTokens := tokRes.Remaining / estimatedTokens; byTokens < remaining {
		remaining = byTokens
	}
	reset := reqRes.ResetTime
	if tokRes.ResetTime > reset {
		reset = tokRes.ResetTime
	}

	return Result{
		Allowed:   true,
		Remaining: remaining,
		Limit:     reqRes.Limit,
		ResetTime: reset,
	}
}

// Peek reports both buckets' current state without consuming anything.
func (l *Limiter) Peek(ctx context.Context, identifier string) map[Dimension]Result {
	return map[Dimension]Result{
		DimensionRequests: l.consume(ctx, DimensionRequests, identifier, 0),
		DimensionTokens:   l.consume(ctx, DimensionTokens, identifier, 0),
	}
}
