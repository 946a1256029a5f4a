package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/internal/kv"
	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/queue"
	"github.com/BaSui01/streamstack/ratelimit"
)

// =============================================================================
// 🧪 测试辅助：桩 Provider 与依赖构造
// =============================================================================

// stubProvider 测试用 Provider 桩
type stubProvider struct {
	models     []string
	completion func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	stream     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)
	usage      llm.ProviderUsage
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) SupportedModels(ctx context.Context) []string { return p.models }

func (p *stubProvider) ValidateModel(ctx context.Context, model string) bool {
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *stubProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.completion != nil {
		return p.completion(ctx, req)
	}
	return &llm.ChatResponse{
		ID:      "chatcmpl-test",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: "Hello!"},
			FinishReason: "stop",
		}},
		Usage: llm.ChatUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}, nil
}

func (p *stubProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if p.stream != nil {
		return p.stream(ctx, req)
	}
	ch := make(chan llm.StreamChunk)
	close(ch)
	return ch, nil
}

func (p *stubProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}

func (p *stubProvider) Usage() llm.ProviderUsage { return p.usage }

func (p *stubProvider) EstimateCost(req *llm.ChatRequest) float64 { return 0 }

func (p *stubProvider) Close() error { return nil }

func newStubProvider() *stubProvider {
	return &stubProvider{models: []string{"gpt-3.5-turbo", "gpt-4"}}
}

// newTestLimiter 返回 miniredis 支撑的限流器
func newTestLimiter(t *testing.T, config ratelimit.Config) *ratelimit.Limiter {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := kv.NewClient(kv.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return ratelimit.NewLimiter(client, config, zap.NewNop(), nil)
}

func disabledLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	return newTestLimiter(t, ratelimit.Config{Enabled: false})
}

// newHandlerQueue 返回 miniredis 支撑的队列
func newHandlerQueue(t *testing.T, config queue.Config) *queue.Queue {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := kv.NewClient(kv.Config{Addr: mr.Addr()}, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return queue.New("handler-test", client, config, zap.NewNop(), nil)
}

func completionBody(t *testing.T, model string, stream bool) *bytes.Reader {
	t.Helper()

	body, err := json.Marshal(llm.ChatRequest{
		Model:    model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		Stream:   stream,
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func decodeError(t *testing.T, body *bytes.Buffer) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

// =============================================================================
// 🧪 ChatHandler 测试
// =============================================================================

func TestChatHandler_UnaryCompletion(t *testing.T) {
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp llm.ChatResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	require.Len(t, resp.Choices, 1)
	assert.Equal(t, llm.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestChatHandler_InvalidJSON(t *testing.T) {
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatHandler_ValidationError(t *testing.T) {
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), nil, false, nil, zap.NewNop())

	// messages 缺失
	body, err := json.Marshal(llm.ChatRequest{Model: "gpt-3.5-turbo"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	resp := decodeError(t, w.Body)
	assert.Equal(t, string(llm.ErrInvalidRequest), resp.Error.Type)
}

func TestChatHandler_ModelNotSupported(t *testing.T) {
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "no-such-model", false))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeError(t, w.Body)
	assert.Contains(t, resp.Error.Message, "no-such-model")
}

func TestChatHandler_RateLimited(t *testing.T) {
	// 请求桶容量 = RPM + burst = 1
	limiter := newTestLimiter(t, ratelimit.Config{
		Enabled:           true,
		RequestsPerMinute: 1,
		TokensPerMinute:   100000,
		BurstSize:         0,
	})
	handler := NewChatHandler(newStubProvider(), limiter, nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	r.Header.Set("X-User-ID", "alice")
	handler.HandleCompletion(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	r.Header.Set("X-User-ID", "alice")
	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit-Requests"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining-Requests"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset-Requests"))

	resp := decodeError(t, w.Body)
	assert.Equal(t, string(llm.ErrRateLimited), resp.Error.Type)
}

func TestChatHandler_RateLimitIdentifiersIsolated(t *testing.T) {
	limiter := newTestLimiter(t, ratelimit.Config{
		Enabled:           true,
		RequestsPerMinute: 1,
		TokensPerMinute:   100000,
		BurstSize:         0,
	})
	handler := NewChatHandler(newStubProvider(), limiter, nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	r.Header.Set("X-User-ID", "alice")
	handler.HandleCompletion(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	// 另一个用户不受 alice 的配额影响
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	r.Header.Set("X-User-ID", "bob")
	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatHandler_ProviderUnavailable(t *testing.T) {
	provider := newStubProvider()
	provider.completion = func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		// 上游 500 对外呈现 503
		return nil, llm.NewError(llm.ErrProviderUnavailable, "upstream down").WithStatus(http.StatusInternalServerError)
	}
	handler := NewChatHandler(provider, disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestChatHandler_ProviderTimeout(t *testing.T) {
	provider := newStubProvider()
	provider.completion = func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, llm.NewError(llm.ErrUpstreamTimeout, "deadline exceeded")
	}
	handler := NewChatHandler(provider, disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

// =============================================================================
// 🧪 流式转发测试
// =============================================================================

func streamOf(chunks ...llm.StreamChunk) func(context.Context, *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		ch := make(chan llm.StreamChunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return ch, nil
	}
}

func textChunk(content string) llm.StreamChunk {
	return llm.StreamChunk{Chunk: &llm.ChatChunk{
		ID:      "chatcmpl-test",
		Object:  "chat.completion.chunk",
		Model:   "gpt-3.5-turbo",
		Choices: []llm.ChunkChoice{{Delta: llm.ChunkDelta{Content: content}}},
	}}
}

func TestChatHandler_Streaming(t *testing.T) {
	provider := newStubProvider()
	provider.stream = streamOf(textChunk("Hel"), textChunk("lo"))
	handler := NewChatHandler(provider, disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", true))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	events := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Len(t, events, 3)
	assert.True(t, strings.HasPrefix(events[0], "data: "))
	assert.Contains(t, events[0], `"Hel"`)
	assert.Contains(t, events[1], `"lo"`)
	assert.Equal(t, "data: [DONE]", events[2])
}

func TestChatHandler_StreamingMidStreamError(t *testing.T) {
	provider := newStubProvider()
	provider.stream = streamOf(
		textChunk("Hel"),
		llm.StreamChunk{Err: llm.NewError(llm.ErrUpstreamError, "connection reset")},
	)
	handler := NewChatHandler(provider, disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", true))

	handler.HandleCompletion(w, r)

	// 首字节已发出，错误内联为 SSE 事件，不再出现 [DONE]
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "event: error\n")
	assert.Contains(t, body, "connection reset")
	assert.NotContains(t, body, "[DONE]")
}

func TestChatHandler_StreamingSetupError(t *testing.T) {
	provider := newStubProvider()
	provider.stream = func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
		return nil, llm.NewError(llm.ErrProviderUnavailable, "connect refused")
	}
	handler := NewChatHandler(provider, disabledLimiter(t), nil, false, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", true))

	handler.HandleCompletion(w, r)

	// 首字节之前失败仍是普通 JSON 错误
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
}

// =============================================================================
// 🧪 异步入队测试
// =============================================================================

func TestChatHandler_AsyncEnqueue(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), q, true, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))

	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp EnqueuedResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "queued", resp.Status)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestChatHandler_AsyncIdempotencyKey(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), q, true, nil, zap.NewNop())

	send := func() EnqueuedResponse {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
		r.Header.Set("Idempotency-Key", "order-42")
		handler.HandleCompletion(w, r)
		require.Equal(t, http.StatusAccepted, w.Code)

		var resp EnqueuedResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		return resp
	}

	first := send()
	second := send()

	assert.Equal(t, first.ID, second.ID)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
}

func TestChatHandler_AsyncIdempotencyKeyTooLong(t *testing.T) {
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), q, true, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	r.Header.Set("Idempotency-Key", strings.Repeat("k", 257))
	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w.Body).Error.Message, "Idempotency-Key")
}

func TestChatHandler_AsyncQueueFull(t *testing.T) {
	config := queue.DefaultConfig()
	config.MaxSize = 1
	q := newHandlerQueue(t, config)
	handler := NewChatHandler(newStubProvider(), disabledLimiter(t), q, true, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	handler.HandleCompletion(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", false))
	handler.HandleCompletion(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestChatHandler_StreamingBypassesQueue(t *testing.T) {
	provider := newStubProvider()
	provider.stream = streamOf(textChunk("Hi"))
	q := newHandlerQueue(t, queue.DefaultConfig())
	handler := NewChatHandler(provider, disabledLimiter(t), q, true, nil, zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", completionBody(t, "gpt-3.5-turbo", true))

	handler.HandleCompletion(w, r)

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}

// =============================================================================
// 🧪 客户端标识解析测试
// =============================================================================

func TestClientIdentifier(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set("X-User-ID", "alice")
	assert.Equal(t, "alice", clientIdentifier(r))

	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.RemoteAddr = "10.1.2.3:55555"
	assert.Equal(t, "10.1.2.3", clientIdentifier(r))

	r = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.RemoteAddr = ""
	assert.Equal(t, "unknown", clientIdentifier(r))
}
