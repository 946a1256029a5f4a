package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFactory_NewProvider(t *testing.T) {
	called := false
	RegisterFactory("reg-test", func(cfg map[string]any) (Provider, error) {
		called = true
		assert.Equal(t, "sk-abc", cfg["api_key"])
		return nil, errors.New("construction declined")
	})

	_, err := NewProvider("reg-test", map[string]any{"api_key": "sk-abc"})
	require.Error(t, err)
	assert.True(t, called)
	assert.Contains(t, RegisteredProviders(), "reg-test")
}

func TestNewProvider_Unknown(t *testing.T) {
	_, err := NewProvider("no-such-provider", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestRegisterFactory_DuplicatePanics(t *testing.T) {
	RegisterFactory("dup-test", func(cfg map[string]any) (Provider, error) { return nil, nil })
	assert.Panics(t, func() {
		RegisterFactory("dup-test", func(cfg map[string]any) (Provider, error) { return nil, nil })
	})
}
