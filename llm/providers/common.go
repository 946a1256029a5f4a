package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/BaSui01/streamstack/llm"
)

// DefaultRetryAfter is the Retry-After hint used when the upstream 429
// response does not carry one.
const DefaultRetryAfter = 60

// MapHTTPError converts an upstream HTTP status into a typed llm.Error.
// Rate-limit errors are deliberately not retryable: the hint must surface
// to the caller instead of being burned in a retry loop.
func MapHTTPError(status int, msg string, provider string) *llm.Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &llm.Error{
			Code: llm.ErrUnauthorized, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	case status == http.StatusNotFound:
		return &llm.Error{
			Code: llm.ErrModelNotFound, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	case status == http.StatusRequestTimeout:
		return &llm.Error{
			Code: llm.ErrUpstreamTimeout, Message: msg,
			HTTPStatus: status, Retryable: true, Provider: provider,
		}
	case status == http.StatusTooManyRequests:
		return &llm.Error{
			Code: llm.ErrRateLimited, Message: msg,
			HTTPStatus: status, RetryAfter: DefaultRetryAfter, Provider: provider,
		}
	case status >= 500:
		return &llm.Error{
			Code: llm.ErrProviderUnavailable, Message: msg,
			HTTPStatus: status, Retryable: true, Provider: provider,
		}
	default:
		return &llm.Error{
			Code: llm.ErrUpstreamError, Message: msg,
			HTTPStatus: status, Provider: provider,
		}
	}
}

// ParseRetryAfter reads a Retry-After header value in seconds, falling
// back to DefaultRetryAfter when absent or unparseable.
func ParseRetryAfter(header string) int {
	if header == "" {
		return DefaultRetryAfter
	}
	if n, err := strconv.Atoi(header); err == nil && n >= 0 {
		return n
	}
	return DefaultRetryAfter
}

// ReadErrorMessage extracts the error message from an upstream response
// body, falling back to the raw text when it is not the usual JSON shape.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil {
		if errResp.Error.Message != "" {
			if errResp.Error.Type != "" {
				return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
			}
			return errResp.Error.Message
		}
		if errResp.Detail != "" {
			return errResp.Detail
		}
	}
	return string(data)
}

// ModelPrice is the USD price per 1K tokens for a model.
type ModelPrice struct {
	InputPer1K  float64
	OutputPer1K float64
}

// PriceTable maps model names to their prices. A nil table means the
// backend is free (self-hosted).
type PriceTable map[string]ModelPrice

// Models returns the model names in the table.
func (t PriceTable) Models() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	return names
}

// EstimateCost implements the shared pre-request cost heuristic:
// prompt characters / 4 as input tokens, max_tokens (default 100) as
// output tokens.
func (t PriceTable) EstimateCost(req *llm.ChatRequest) float64 {
	price, ok := t[req.Model]
	if !ok {
		return 0
	}
	promptTokens := float64(req.PromptChars() / 4)
	outputTokens := 100.0
	if req.MaxTokens != nil {
		outputTokens = float64(*req.MaxTokens)
	}
	return promptTokens/1000*price.InputPer1K + outputTokens/1000*price.OutputPer1K
}

// ActualCost prices a completed response by its real token counts.
func (t PriceTable) ActualCost(model string, usage llm.ChatUsage) float64 {
	price, ok := t[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1000*price.InputPer1K +
		float64(usage.CompletionTokens)/1000*price.OutputPer1K
}

// BearerTokenHeaders is the standard Bearer token header builder used by
// OpenAI-compatible providers.
func BearerTokenHeaders(r *http.Request, apiKey string) {
	if apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
	r.Header.Set("Content-Type", "application/json")
}
