// Package handlers implements the gateway's HTTP surface: the
// OpenAI-compatible chat completion endpoint, queue result polling, model
// listing, usage reporting, and health probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/streamstack/llm"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// ErrorInfo 错误信息结构（OpenAI 兼容形态）
type ErrorInfo struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ErrorResponse 统一错误响应
type ErrorResponse struct {
	Error ErrorInfo `json:"error"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// 编码失败时响应头已发出，只能放弃
		return
	}
}

// WriteError 写入错误响应（从 *llm.Error）
func WriteError(w http.ResponseWriter, err *llm.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(err.Code)
	}

	// 429/503 携带重试提示
	if err.RetryAfter > 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}

	if logger != nil {
		logger.Error("API error",
			zap.String("code", string(err.Code)),
			zap.String("message", err.Message),
			zap.Int("status", status),
			zap.Bool("retryable", err.Retryable),
		)
	}

	WriteJSON(w, status, ErrorResponse{
		Error: ErrorInfo{
			Message:   err.Message,
			Type:      string(err.Code),
			Retryable: err.Retryable,
		},
	})
}

// WriteProviderError 写入上游错误响应。状态码按错误类别映射（如上游 500
// 对外呈现 503），err.HTTPStatus 中保存的上游原始状态码不直接透传。
func WriteProviderError(w http.ResponseWriter, err *llm.Error, logger *zap.Logger) {
	surfaced := *err
	surfaced.HTTPStatus = mapErrorCodeToHTTPStatus(err.Code)
	if surfaced.RetryAfter == 0 && surfaced.Code == llm.ErrProviderUnavailable {
		surfaced.RetryAfter = 30
	}
	WriteError(w, &surfaced, logger)
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code llm.ErrorCode, message string, logger *zap.Logger) {
	err := llm.NewError(code, message).WithStatus(status)
	WriteError(w, err, logger)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code llm.ErrorCode) int {
	switch code {
	// 4xx 客户端错误
	case llm.ErrInvalidRequest:
		return http.StatusBadRequest
	case llm.ErrUnauthorized:
		return http.StatusUnauthorized
	case llm.ErrModelNotFound:
		return http.StatusNotFound
	case llm.ErrRateLimited:
		return http.StatusTooManyRequests

	// 5xx 服务端错误
	case llm.ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case llm.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	case llm.ErrUpstreamError:
		return http.StatusBadGateway

	// 默认
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) error {
	if r.Body == nil {
		err := llm.NewError(llm.ErrInvalidRequest, "request body is empty")
		WriteError(w, err, logger)
		return err
	}

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apiErr := llm.NewError(llm.ErrInvalidRequest, "invalid JSON body").
			WithStatus(http.StatusBadRequest)
		WriteError(w, apiErr, logger)
		return apiErr
	}

	return nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush 透传 Flush，保证 SSE 经过包装器仍可逐块刷出
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
