package openai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamstack/llm"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key")
}

func TestNew_Defaults(t *testing.T) {
	p, err := New(Config{APIKey: "sk-test"}, nil)
	require.NoError(t, err)

	assert.Equal(t, ProviderName, p.Name())
	assert.Equal(t, DefaultBaseURL, p.Cfg.BaseURL)
	assert.Equal(t, "gpt-3.5-turbo", p.Cfg.DefaultModel)
	assert.Equal(t, 60*time.Second, p.Cfg.Timeout)

	// 托管后端目录固定，不走动态发现
	assert.True(t, p.ValidateModel(context.Background(), "gpt-4"))
	assert.False(t, p.ValidateModel(context.Background(), "llama-3-8b"))
}

func TestEstimateCost_UsesPricing(t *testing.T) {
	p, err := New(Config{APIKey: "sk-test"}, nil)
	require.NoError(t, err)

	req := &llm.ChatRequest{
		Model:    "gpt-4",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
	}
	assert.Greater(t, p.EstimateCost(req), 0.0)
}

func TestFactoryRegistered(t *testing.T) {
	assert.Contains(t, llm.RegisteredProviders(), ProviderName)

	p, err := llm.NewProvider(ProviderName, map[string]any{
		"api_key":       "sk-test",
		"default_model": "gpt-4o-mini",
		"timeout":       5 * time.Second,
	})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, ProviderName, p.Name())
}

func TestFactory_MissingAPIKey(t *testing.T) {
	_, err := llm.NewProvider(ProviderName, map[string]any{})
	assert.Error(t, err)
}
