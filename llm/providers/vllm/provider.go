// Package vllm adapts a self-hosted vLLM server (OpenAI-compatible API)
// to llm.Provider. The model catalogue is discovered from the server and
// cost estimates are always zero.
package vllm

import (
	"time"

	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// ProviderName is the registry name of this adapter.
const ProviderName = "vllm"

// DefaultBaseURL is the usual local vLLM server address.
const DefaultBaseURL = "http://localhost:8001"

// Config holds the vLLM adapter configuration.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// New creates a vLLM provider. vLLM serves the OpenAI wire format under
// /v1; inference on local hardware is slower, so the default timeout is
// larger than the hosted adapter's.
func New(cfg Config, logger *zap.Logger) *openaicompat.Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "meta-llama/Llama-2-7b-chat-hf"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName:   ProviderName,
		BaseURL:        cfg.BaseURL,
		DefaultModel:   cfg.DefaultModel,
		Timeout:        cfg.Timeout,
		EndpointPath:   "/v1/chat/completions",
		ModelsEndpoint: "/v1/models",
	}, logger)
}

func init() {
	llm.RegisterFactory(ProviderName, func(cfg map[string]any) (llm.Provider, error) {
		c := Config{}
		if v, ok := cfg["base_url"].(string); ok {
			c.BaseURL = v
		}
		if v, ok := cfg["default_model"].(string); ok {
			c.DefaultModel = v
		}
		if v, ok := cfg["timeout"].(time.Duration); ok {
			c.Timeout = v
		}
		logger, _ := cfg["logger"].(*zap.Logger)
		return New(c, logger), nil
	})
}
