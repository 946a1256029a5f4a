package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/queue"
)

// =============================================================================
// 📦 队列查询 Handler
// =============================================================================

// QueueHandler 暴露异步队列的结果查询与统计
type QueueHandler struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueHandler 创建队列查询处理器
func NewQueueHandler(q *queue.Queue, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{
		queue:  q,
		logger: logger,
	}
}

// PendingResponse 表示条目尚未完成
type PendingResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HandleResult 处理 GET /v1/queue/results/{id}
//
// 已完成 → 200 + 结果;仍在队列或已蒸发 → 202 {status:"pending"}。
// 蒸发的条目与排队中的条目在这里不可区分:结果只在保留期内存在。
func (h *QueueHandler) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/queue/results/")
	if id == "" || strings.Contains(id, "/") {
		WriteErrorMessage(w, http.StatusBadRequest, llm.ErrInvalidRequest, "item id is required", h.logger)
		return
	}

	result, err := h.queue.GetResult(r.Context(), id)
	if err != nil {
		h.logger.Error("result lookup failed",
			zap.String("item_id", id),
			zap.Error(err),
		)
		WriteErrorMessage(w, http.StatusInternalServerError, llm.ErrUpstreamError, "result lookup failed", h.logger)
		return
	}

	if result == nil {
		WriteJSON(w, http.StatusAccepted, PendingResponse{ID: id, Status: "pending"})
		return
	}

	WriteJSON(w, http.StatusOK, result)
}

// HandleStats 处理 GET /v1/queue/stats
func (h *QueueHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", zap.Error(err))
		WriteErrorMessage(w, http.StatusInternalServerError, llm.ErrUpstreamError, "queue stats unavailable", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, stats)
}
