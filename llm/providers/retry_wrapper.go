package providers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/streamstack/llm"
	"go.uber.org/zap"
)

// RetryConfig holds retry configuration for a provider wrapper.
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries"`   // maximum retry attempts, default 3
	InitialDelay time.Duration `json:"initial_delay"` // base backoff unit, default 1s
	MaxDelay     time.Duration `json:"max_delay"`     // backoff ceiling, default 30s
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// RetryableProvider wraps an llm.Provider with exponential-backoff retry
// for unary completions. Streams are never retried: partial output may
// already have been emitted, and rate-limit, auth, and not-found errors
// are never retried regardless of call type.
type RetryableProvider struct {
	inner  llm.Provider
	config RetryConfig
	logger *zap.Logger
}

// NewRetryableProvider creates a retrying wrapper around the given provider.
func NewRetryableProvider(inner llm.Provider, config RetryConfig, logger *zap.Logger) *RetryableProvider {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryableProvider{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "retry_provider"), zap.String("provider", inner.Name())),
	}
}

var _ llm.Provider = (*RetryableProvider)(nil)

func (p *RetryableProvider) Name() string { return p.inner.Name() }

func (p *RetryableProvider) SupportedModels(ctx context.Context) []string {
	return p.inner.SupportedModels(ctx)
}

func (p *RetryableProvider) ValidateModel(ctx context.Context, model string) bool {
	return p.inner.ValidateModel(ctx, model)
}

func (p *RetryableProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return p.inner.HealthCheck(ctx)
}

func (p *RetryableProvider) Usage() llm.ProviderUsage { return p.inner.Usage() }

func (p *RetryableProvider) EstimateCost(req *llm.ChatRequest) float64 {
	return p.inner.EstimateCost(req)
}

func (p *RetryableProvider) Close() error { return p.inner.Close() }

// Completion performs a unary chat completion, retrying transient
// failures with 2^attempt-second backoff.
func (p *RetryableProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt)
			p.logger.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := p.inner.Completion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !llm.IsRetryable(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}

		p.logger.Warn("completion failed, will retry",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	if typed, ok := llm.AsError(lastErr); ok {
		return nil, typed
	}
	return nil, fmt.Errorf("completion failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

// Stream delegates directly to the inner provider. Mid-stream failures
// must surface to the caller, so there is no connection-retry loop here.
func (p *RetryableProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return p.inner.Stream(ctx, req)
}

func (p *RetryableProvider) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * p.config.InitialDelay
	if d > p.config.MaxDelay {
		d = p.config.MaxDelay
	}
	return d
}
