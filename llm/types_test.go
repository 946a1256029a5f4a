package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *ChatRequest {
	return &ChatRequest{
		Model: "gpt-3.5-turbo",
		Messages: []Message{
			{Role: RoleUser, Content: "hello"},
		},
	}
}

func TestChatRequest_NormalizeDefaults(t *testing.T) {
	req := validRequest()
	req.Normalize()

	require.NotNil(t, req.Temperature)
	assert.Equal(t, DefaultTemperature, *req.Temperature)
	require.NotNil(t, req.TopP)
	assert.Equal(t, DefaultTopP, *req.TopP)
	require.NotNil(t, req.FrequencyPenalty)
	assert.Zero(t, *req.FrequencyPenalty)
	require.NotNil(t, req.PresencePenalty)
	assert.Zero(t, *req.PresencePenalty)
	// 未指定的 max_tokens 保持 nil，由 provider 决定
	assert.Nil(t, req.MaxTokens)
}

func TestChatRequest_NormalizeKeepsExplicitValues(t *testing.T) {
	temp := 0.0
	topP := 0.5
	req := validRequest()
	req.Temperature = &temp
	req.TopP = &topP
	req.Normalize()

	// 显式的 0 不能被默认值覆盖
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Equal(t, 0.5, *req.TopP)
}

func TestChatRequest_Validate(t *testing.T) {
	ptr := func(v float64) *float64 { return &v }
	intPtr := func(v int) *int { return &v }

	tests := []struct {
		name    string
		mutate  func(r *ChatRequest)
		wantErr string
	}{
		{"valid", func(r *ChatRequest) {}, ""},
		{"missing model", func(r *ChatRequest) { r.Model = "" }, "model is required"},
		{"empty messages", func(r *ChatRequest) { r.Messages = nil }, "messages cannot be empty"},
		{"bad role", func(r *ChatRequest) { r.Messages[0].Role = "robot" }, "invalid role"},
		{"temperature too high", func(r *ChatRequest) { r.Temperature = ptr(2.5) }, "temperature"},
		{"temperature negative", func(r *ChatRequest) { r.Temperature = ptr(-0.1) }, "temperature"},
		{"max_tokens zero", func(r *ChatRequest) { r.MaxTokens = intPtr(0) }, "max_tokens"},
		{"top_p too high", func(r *ChatRequest) { r.TopP = ptr(1.1) }, "top_p"},
		{"frequency_penalty out of range", func(r *ChatRequest) { r.FrequencyPenalty = ptr(3) }, "frequency_penalty"},
		{"presence_penalty out of range", func(r *ChatRequest) { r.PresencePenalty = ptr(-2.5) }, "presence_penalty"},
		{"boundary values ok", func(r *ChatRequest) {
			r.Temperature = ptr(2)
			r.TopP = ptr(0)
			r.FrequencyPenalty = ptr(-2)
			r.PresencePenalty = ptr(2)
			r.MaxTokens = intPtr(1)
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestChatRequest_PromptChars(t *testing.T) {
	req := &ChatRequest{
		Model: "gpt-4",
		Messages: []Message{
			{Role: RoleSystem, Content: "abcd"},
			{Role: RoleUser, Content: "efgh"},
		},
	}
	assert.Equal(t, 8, req.PromptChars())
	assert.Zero(t, (&ChatRequest{}).PromptChars())
}

func TestStopSequences_UnmarshalString(t *testing.T) {
	var req ChatRequest
	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"stop":"\n"}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, StopSequences{"\n"}, req.Stop)
}

func TestStopSequences_UnmarshalArray(t *testing.T) {
	var req ChatRequest
	body := `{"model":"m","messages":[],"stop":["a","b"]}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, StopSequences{"a", "b"}, req.Stop)
}

func TestStopSequences_UnmarshalNull(t *testing.T) {
	var req ChatRequest
	body := `{"model":"m","messages":[],"stop":null}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Nil(t, req.Stop)
}

func TestStopSequences_MarshalSingleAsString(t *testing.T) {
	data, err := json.Marshal(StopSequences{"\n"})
	require.NoError(t, err)
	assert.Equal(t, `"\n"`, string(data))

	data, err = json.Marshal(StopSequences{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, string(data))
}
