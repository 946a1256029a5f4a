// Package openai adapts the OpenAI chat completions API to llm.Provider.
package openai

import (
	"fmt"
	"time"

	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/llm/providers"
	"github.com/BaSui01/streamstack/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// ProviderName is the registry name of this adapter.
const ProviderName = "openai"

// DefaultBaseURL is the hosted OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Pricing is USD per 1K tokens (input, output). Actual post-response cost
// tracking uses real token counts against the same table.
var Pricing = providers.PriceTable{
	"gpt-3.5-turbo":       {InputPer1K: 0.0015, OutputPer1K: 0.002},
	"gpt-3.5-turbo-16k":   {InputPer1K: 0.003, OutputPer1K: 0.004},
	"gpt-4":               {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-32k":           {InputPer1K: 0.06, OutputPer1K: 0.12},
	"gpt-4-turbo-preview": {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":              {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":         {InputPer1K: 0.00015, OutputPer1K: 0.0006},
}

// Config holds the OpenAI adapter configuration.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// New creates an OpenAI provider. The API key is required.
func New(cfg Config, logger *zap.Logger) (*openaicompat.Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-3.5-turbo"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return openaicompat.New(openaicompat.Config{
		ProviderName: ProviderName,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.DefaultModel,
		Timeout:      cfg.Timeout,
		Models:       Pricing.Models(),
		Prices:       Pricing,
	}, logger), nil
}

func init() {
	llm.RegisterFactory(ProviderName, func(cfg map[string]any) (llm.Provider, error) {
		c := Config{}
		if v, ok := cfg["api_key"].(string); ok {
			c.APIKey = v
		}
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
		return New(c, logger)
	})
}
