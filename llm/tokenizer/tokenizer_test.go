package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/streamstack/llm"
)

func TestEstimator_ASCII(t *testing.T) {
	e := NewEstimator()

	n, err := e.CountTokens(strings.Repeat("a", 400))
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestEstimator_CJK(t *testing.T) {
	e := NewEstimator()

	// 300 个汉字 ≈ 200 token（1.5 字符/token）
	n, err := e.CountTokens(strings.Repeat("中", 300))
	require.NoError(t, err)
	assert.Equal(t, 200, n)
}

func TestEstimator_Mixed(t *testing.T) {
	e := NewEstimator()

	// 150 CJK => 100, 200 ASCII => 50
	n, err := e.CountTokens(strings.Repeat("语", 150) + strings.Repeat("x", 200))
	require.NoError(t, err)
	assert.Equal(t, 150, n)
}

func TestEstimator_EdgeCases(t *testing.T) {
	e := NewEstimator()

	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Zero(t, n)

	// 极短文本至少算 1 个 token
	n, err = e.CountTokens("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewTiktoken_EncodingMapping(t *testing.T) {
	tests := []struct {
		model        string
		wantEncoding string
		wantErr      bool
	}{
		{"gpt-4", "cl100k_base", false},
		{"gpt-4-turbo", "cl100k_base", false}, // 前缀匹配
		{"gpt-4o", "o200k_base", false},
		{"gpt-4o-mini", "o200k_base", false},
		{"gpt-3.5-turbo", "cl100k_base", false},
		{"llama-3-8b", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			tok, err := NewTiktoken(tt.model)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEncoding, tok.encoding)
		})
	}
}

func TestForModel_FallsBackToEstimator(t *testing.T) {
	tok := ForModel("llama-3-8b")
	_, ok := tok.(*Estimator)
	assert.True(t, ok)

	tok = ForModel("gpt-4")
	_, ok = tok.(*Tiktoken)
	assert.True(t, ok)
}

func TestEstimateRequest(t *testing.T) {
	req := &llm.ChatRequest{
		Model: "self-hosted-model",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: strings.Repeat("a", 40)},
			{Role: llm.RoleUser, Content: strings.Repeat("b", 80)},
		},
	}
	// 字符比例估算：40/4 + 80/4 = 30
	assert.Equal(t, 30, EstimateRequest(req))
}

func TestEstimateRequest_EmptyPromptUsesDefault(t *testing.T) {
	req := &llm.ChatRequest{Model: "self-hosted-model"}
	assert.Equal(t, DefaultEstimate, EstimateRequest(req))
}
