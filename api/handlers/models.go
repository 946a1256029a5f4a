package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/llm"
)

// =============================================================================
// 📋 模型列表 / 用量 Handler
// =============================================================================

// ModelsHandler 暴露当前 Provider 的模型列表与用量计数
type ModelsHandler struct {
	provider llm.Provider
	logger   *zap.Logger
}

// NewModelsHandler 创建模型列表处理器
func NewModelsHandler(provider llm.Provider, logger *zap.Logger) *ModelsHandler {
	return &ModelsHandler{
		provider: provider,
		logger:   logger,
	}
}

// ModelInfo OpenAI 兼容的模型描述
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList OpenAI 兼容的列表包装
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HandleModels 处理 GET /v1/models
func (h *ModelsHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	models := h.provider.SupportedModels(r.Context())

	now := time.Now().Unix()
	list := ModelList{
		Object: "list",
		Data:   make([]ModelInfo, 0, len(models)),
	}
	for _, id := range models {
		list.Data = append(list.Data, ModelInfo{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: h.provider.Name(),
		})
	}

	WriteJSON(w, http.StatusOK, list)
}

// UsageResponse 用量统计响应
type UsageResponse struct {
	Provider string            `json:"provider"`
	Usage    llm.ProviderUsage `json:"usage"`
}

// HandleUsage 处理 GET /v1/usage
//
// 计数器为进程内单调递增,重启归零。
func (h *ModelsHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, UsageResponse{
		Provider: h.provider.Name(),
		Usage:    h.provider.Usage(),
	})
}
