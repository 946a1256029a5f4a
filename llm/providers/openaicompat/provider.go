// =============================================================================
// StreamStack OpenAI-Compatible Provider Base
// =============================================================================
// Shared implementation for OpenAI-compatible LLM backends. Adapters like
// openai and vllm embed this and only override what differs (name, base URL,
// price table, default timeout).
// =============================================================================

package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/streamstack/internal/tlsutil"
	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/llm/providers"
	"go.uber.org/zap"
)

// Config holds the configuration for an OpenAI-compatible provider.
type Config struct {
	// ProviderName is the unique identifier for this provider.
	ProviderName string

	// APIKey is the authentication key; empty for unauthenticated backends.
	APIKey string

	// BaseURL is the base URL for the backend API.
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string

	// Timeout is the HTTP client timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions path. Defaults to "/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list path. Defaults to "/models".
	ModelsEndpoint string

	// Models is the static supported-model list. When empty, the list is
	// refreshed dynamically from the models endpoint.
	Models []string

	// Prices is the per-model price table; nil means the backend is free.
	Prices providers.PriceTable

	// BuildHeaders optionally overrides the default Bearer auth headers.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the base implementation for OpenAI-compatible LLM backends.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger

	// dynamic model list, populated from the models endpoint when
	// Cfg.Models is empty
	modelsMu      sync.RWMutex
	dynamicModels []string

	// per-process usage counters, reset only on restart
	usageMu      sync.Mutex
	requests     int64
	tokens       int64
	costUSD      float64
	totalLatency time.Duration
}

// New creates a new OpenAI-compatible provider with the given config.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(cfg.Timeout),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

var _ llm.Provider = (*Provider)(nil)

// Name returns the provider name.
func (p *Provider) Name() string { return p.Cfg.ProviderName }

// SupportedModels returns the static model list, or the dynamically
// discovered one for backends without a fixed catalogue.
func (p *Provider) SupportedModels(ctx context.Context) []string {
	if len(p.Cfg.Models) > 0 {
		return p.Cfg.Models
	}
	p.modelsMu.RLock()
	models := p.dynamicModels
	p.modelsMu.RUnlock()
	if len(models) == 0 {
		if refreshed, err := p.refreshModels(ctx); err == nil {
			return refreshed
		}
		if p.Cfg.DefaultModel != "" {
			return []string{p.Cfg.DefaultModel}
		}
	}
	return models
}

// ValidateModel reports whether the model is supported.
func (p *Provider) ValidateModel(ctx context.Context, model string) bool {
	for _, m := range p.SupportedModels(ctx) {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) buildHeaders(req *http.Request) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, p.Cfg.APIKey)
		return
	}
	providers.BearerTokenHeaders(req, p.Cfg.APIKey)
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

// buildPayload copies the request with the resolved model and stream flag.
// ChatRequest already is the upstream wire format.
func (p *Provider) buildPayload(req *llm.ChatRequest, stream bool) *llm.ChatRequest {
	payload := *req
	if payload.Model == "" {
		payload.Model = p.Cfg.DefaultModel
	}
	payload.Stream = stream
	return &payload
}

// Completion performs a unary chat completion.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	resp, err := p.post(ctx, p.buildPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapResponseError(resp)
	}

	var out llm.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, (&llm.Error{
			Code: llm.ErrUpstreamError, Message: fmt.Sprintf("decode response: %v", err),
			HTTPStatus: http.StatusBadGateway, Provider: p.Name(),
		})
	}

	latency := time.Since(start)
	p.trackUsage(&out, latency)

	p.Logger.Info("chat completion",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("latency", latency),
	)
	return &out, nil
}

// Stream performs a streaming chat completion via SSE. The returned
// channel closes on the upstream [DONE] sentinel, an error, or context
// cancellation; a stream is never retried.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	start := time.Now()

	resp, err := p.post(ctx, p.buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.mapResponseError(resp)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		defer func() {
			// Streaming responses omit usage, so only requests and
			// latency are recorded here.
			p.usageMu.Lock()
			p.requests++
			p.totalLatency += time.Since(start)
			p.usageMu.Unlock()
		}()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					p.sendErr(ctx, ch, &llm.Error{
						Code: llm.ErrUpstreamError, Message: err.Error(),
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
					})
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				p.Logger.Warn("unexpected SSE line", zap.String("line", line))
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var chunk llm.ChatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				p.Logger.Warn("skipping malformed stream chunk", zap.Error(err))
				continue
			}
			select {
			case <-ctx.Done():
				return
			case ch <- llm.StreamChunk{Chunk: &chunk}:
			}
		}
	}()
	return ch, nil
}

func (p *Provider) sendErr(ctx context.Context, ch chan<- llm.StreamChunk, err *llm.Error) {
	select {
	case <-ctx.Done():
	case ch <- llm.StreamChunk{Err: err}:
	}
}

// HealthCheck performs a cheap round trip against the models endpoint.
// For backends without a static catalogue it also refreshes the
// discovered model list.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	models, err := p.refreshModels(ctx)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency, Error: err.Error()}, err
	}
	return &llm.HealthStatus{
		Healthy: true,
		Latency: latency,
		Metadata: map[string]any{
			"models_available": len(models),
			"api_version":      "v1",
		},
	}, nil
}

// refreshModels lists models from the backend and, when the provider has
// no static catalogue, records them as the supported set.
func (p *Provider) refreshModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("create models request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, p.mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.mapResponseError(resp)
	}

	var modelsResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	ids := make([]string, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		ids = append(ids, m.ID)
	}
	if len(p.Cfg.Models) == 0 {
		p.modelsMu.Lock()
		p.dynamicModels = ids
		p.modelsMu.Unlock()
	}
	return ids, nil
}

// Usage returns the per-process usage counters.
func (p *Provider) Usage() llm.ProviderUsage {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	avg := 0.0
	if p.requests > 0 {
		avg = float64(p.totalLatency.Milliseconds()) / float64(p.requests)
	}
	return llm.ProviderUsage{
		Requests:       p.requests,
		TokensConsumed: p.tokens,
		CostUSD:        p.costUSD,
		AvgLatencyMs:   avg,
	}
}

// EstimateCost returns the estimated request cost in USD. Self-hosted
// backends carry a nil price table and estimate to zero.
func (p *Provider) EstimateCost(req *llm.ChatRequest) float64 {
	return p.Cfg.Prices.EstimateCost(req)
}

// Close releases idle connections held by the HTTP client.
func (p *Provider) Close() error {
	p.Client.CloseIdleConnections()
	return nil
}

// post sends the payload to the chat completions endpoint.
func (p *Provider) post(ctx context.Context, payload *llm.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, p.mapTransportError(err)
	}
	return resp, nil
}

// mapTransportError classifies client-side failures: deadline overruns
// become timeouts, everything else is an unavailable backend.
func (p *Provider) mapTransportError(err error) *llm.Error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return &llm.Error{
			Code: llm.ErrUpstreamTimeout, Message: "request timeout",
			HTTPStatus: http.StatusGatewayTimeout, Retryable: true, Provider: p.Name(),
		}
	}
	if errors.Is(err, context.Canceled) {
		return &llm.Error{
			Code: llm.ErrUpstreamError, Message: "request canceled", Provider: p.Name(),
		}
	}
	return &llm.Error{
		Code: llm.ErrProviderUnavailable, Message: err.Error(),
		HTTPStatus: http.StatusServiceUnavailable, Retryable: true,
		RetryAfter: 30, Provider: p.Name(),
	}
}

// mapResponseError reads the body and maps the status, preserving the
// upstream Retry-After hint on 429 and 503.
func (p *Provider) mapResponseError(resp *http.Response) *llm.Error {
	msg := providers.ReadErrorMessage(resp.Body)
	mapped := providers.MapHTTPError(resp.StatusCode, msg, p.Name())
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		mapped.RetryAfter = providers.ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return mapped
}

func (p *Provider) trackUsage(resp *llm.ChatResponse, latency time.Duration) {
	p.usageMu.Lock()
	defer p.usageMu.Unlock()
	p.requests++
	p.tokens += int64(resp.Usage.TotalTokens)
	p.costUSD += p.Cfg.Prices.ActualCost(resp.Model, resp.Usage)
	p.totalLatency += latency
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
