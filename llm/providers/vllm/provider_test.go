package vllm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/streamstack/llm"
	"github.com/BaSui01/streamstack/llm/providers/openaicompat"
)

func TestNew_Defaults(t *testing.T) {
	p := New(Config{}, nil)

	assert.Equal(t, ProviderName, p.Name())
	assert.Equal(t, DefaultBaseURL, p.Cfg.BaseURL)
	assert.Equal(t, 120*time.Second, p.Cfg.Timeout)
	// vLLM 在 /v1 下提供 OpenAI 线协议
	assert.Equal(t, "/v1/chat/completions", p.Cfg.EndpointPath)
	assert.Equal(t, "/v1/models", p.Cfg.ModelsEndpoint)
	// 自托管后端免费
	assert.Nil(t, p.Cfg.Prices)
}

func TestFactoryRegistered(t *testing.T) {
	assert.Contains(t, llm.RegisteredProviders(), ProviderName)

	p, err := llm.NewProvider(ProviderName, map[string]any{
		"base_url":      "http://gpu-box:8001",
		"default_model": "qwen-72b",
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, ProviderName, p.Name())
}

func TestFactory_ThreadsLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	p, err := llm.NewProvider(ProviderName, map[string]any{
		"logger": zap.New(core),
	})
	require.NoError(t, err)
	defer p.Close()

	// 工厂路径必须沿用配置的 logger，而不是静默降级到 Nop
	p.(*openaicompat.Provider).Logger.Info("wired")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "wired", logs.All()[0].Message)
	assert.Equal(t, ProviderName, logs.All()[0].ContextMap()["provider"])
}
