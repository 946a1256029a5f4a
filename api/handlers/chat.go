package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/internal/metrics"
	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/llm/tokenizer"
	"github.com/BaSui01/streamstack/queue"
	"github.com/BaSui01/streamstack/ratelimit"
)

// =============================================================================
// 💬 聊天接口 Handler
// =============================================================================

// ChatHandler 聊天接口处理器：限流准入 → 模型校验 → 直通/入队/流式转发
type ChatHandler struct {
	provider llm.Provider
	limiter  *ratelimit.Limiter
	queue    *queue.Queue
	metrics  *metrics.Collector
	logger   *zap.Logger

	// async 启用时非流式请求入队，客户端轮询结果。
	// 流式请求始终绕过队列直通上游。
	async bool
}

// NewChatHandler 创建聊天处理器
func NewChatHandler(provider llm.Provider, limiter *ratelimit.Limiter, q *queue.Queue, async bool, collector *metrics.Collector, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		provider: provider,
		limiter:  limiter,
		queue:    q,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "chat_handler")),
		async:    async,
	}
}

// EnqueuedResponse 异步模式下的入队回执
type EnqueuedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleCompletion 处理聊天补全请求
// POST /v1/chat/completions
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	var req llm.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	req.Normalize()

	if err := req.Validate(); err != nil {
		WriteErrorMessage(w, http.StatusUnprocessableEntity, llm.ErrInvalidRequest, err.Error(), h.logger)
		return
	}

	ctx := r.Context()
	identifier := clientIdentifier(r)

	// 请求桶先于 token 桶消耗；估算 token 作为 token 桶的扣减额
	estimated := tokenizer.EstimateRequest(&req)
	if res := h.limiter.CheckBoth(ctx, identifier, int64(estimated)); !res.Allowed {
		h.writeRateLimited(w, res)
		return
	}

	if !h.provider.ValidateModel(ctx, req.Model) {
		WriteErrorMessage(w, http.StatusBadRequest, llm.ErrInvalidRequest,
			"model not supported: "+req.Model, h.logger)
		return
	}

	if req.Stream {
		h.streamCompletion(w, r, &req)
		return
	}

	if h.async && h.queue != nil {
		h.enqueueCompletion(w, r, &req, identifier)
		return
	}

	start := time.Now()
	resp, err := h.provider.Completion(ctx, &req)
	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	h.logger.Info("chat completion",
		zap.String("model", req.Model),
		zap.String("identifier", identifier),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	WriteJSON(w, http.StatusOK, resp)
}

// enqueueCompletion 异步模式：入队并返回回执，满时先清理过期项重试一次
func (h *ChatHandler) enqueueCompletion(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest, identifier string) {
	idemKey := r.Header.Get("Idempotency-Key")
	if len(idemKey) > 256 {
		WriteErrorMessage(w, http.StatusBadRequest, llm.ErrInvalidRequest,
			"Idempotency-Key must not exceed 256 bytes", h.logger)
		return
	}
	opts := queue.EnqueueOptions{
		IdempotencyKey: idemKey,
		UserID:         r.Header.Get("X-User-ID"),
	}

	id, err := h.queue.Enqueue(r.Context(), *req, opts)
	if err != nil && !errors.Is(err, queue.ErrQueueFull) {
		// KV 瞬时故障允许重试一次
		id, err = h.queue.Enqueue(r.Context(), *req, opts)
	}
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			w.Header().Set("Retry-After", "30")
			WriteErrorMessage(w, http.StatusServiceUnavailable, llm.ErrProviderUnavailable,
				"request queue is full", h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, llm.ErrUpstreamError,
			"failed to enqueue request", h.logger)
		return
	}

	h.logger.Info("chat request enqueued",
		zap.String("item_id", id),
		zap.String("identifier", identifier),
	)

	WriteJSON(w, http.StatusAccepted, EnqueuedResponse{ID: id, Status: "queued"})
}

// streamCompletion 流式转发：SSE 逐块透传，错误内联，不重试
func (h *ChatHandler) streamCompletion(w http.ResponseWriter, r *http.Request, req *llm.ChatRequest) {
	ctx := r.Context()

	stream, err := h.provider.Stream(ctx, req)
	if err != nil {
		h.handleProviderError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteErrorMessage(w, http.StatusInternalServerError, llm.ErrUpstreamError,
			"streaming not supported", h.logger)
		return
	}

	// 设置 SSE 响应头
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 禁用 nginx 缓冲
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range stream {
		if chunk.Err != nil {
			// 首字节后的上游错误：内联错误事件，不发送 [DONE]
			h.logger.Error("stream error", zap.Error(chunk.Err))
			message := chunk.Err.Error()
			if e, ok := llm.AsError(chunk.Err); ok {
				message = e.Message
			}
			errPayload, _ := json.Marshal(map[string]string{"error": message})
			w.Write([]byte("event: error\n"))
			w.Write([]byte("data: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		// 客户端断开时 ctx 取消，上游随之中止；静默收尾
		if ctx.Err() != nil {
			return
		}

		data, err := json.Marshal(chunk.Chunk)
		if err != nil {
			h.logger.Error("failed to encode chunk", zap.Error(err))
			return
		}
		w.Write([]byte("data: "))
		w.Write(data)
		w.Write([]byte("\n\n"))
		flusher.Flush()
	}

	if ctx.Err() != nil {
		return
	}

	// 发送结束标记
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func (h *ChatHandler) handleProviderError(w http.ResponseWriter, err error) {
	if e, ok := llm.AsError(err); ok {
		WriteProviderError(w, e, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, llm.ErrUpstreamError, err.Error(), h.logger)
}

func (h *ChatHandler) writeRateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retryAfter := res.RetryAfter
	if retryAfter <= 0 {
		retryAfter = 60
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.Header().Set("X-RateLimit-Limit-Requests", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining-Requests", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset-Requests", strconv.FormatInt(res.ResetTime, 10))

	WriteErrorMessage(w, http.StatusTooManyRequests, llm.ErrRateLimited,
		"rate limit exceeded", h.logger)
}

// clientIdentifier resolves the rate-limit identifier: explicit X-User-ID
// header first, then the client IP, then a shared fallback bucket.
func clientIdentifier(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
