package llm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message in OpenAI wire format.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// StopSequences accepts either a single string or an array of strings,
// matching the OpenAI "stop" field.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = StopSequences{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s StopSequences) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// ChatRequest is an OpenAI-compatible chat completion request.
// Optional numeric fields are pointers so an absent field can be
// distinguished from an explicit zero; Normalize fills in defaults.
// A request is immutable once admitted.
type ChatRequest struct {
	Model            string        `json:"model"`
	Messages         []Message     `json:"messages"`
	Temperature      *float64      `json:"temperature,omitempty"`
	MaxTokens        *int          `json:"max_tokens,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	Stop             StopSequences `json:"stop,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
	User             string        `json:"user,omitempty"`
}

// Defaults applied by Normalize.
const (
	DefaultTemperature = 0.7
	DefaultTopP        = 1.0
)

// Normalize fills in defaults for absent optional fields.
func (r *ChatRequest) Normalize() {
	if r.Temperature == nil {
		v := DefaultTemperature
		r.Temperature = &v
	}
	if r.TopP == nil {
		v := DefaultTopP
		r.TopP = &v
	}
	if r.FrequencyPenalty == nil {
		v := 0.0
		r.FrequencyPenalty = &v
	}
	if r.PresencePenalty == nil {
		v := 0.0
		r.PresencePenalty = &v
	}
}

// Validate checks the request against the schema constraints.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages cannot be empty")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1")
	}
	if r.FrequencyPenalty != nil && (*r.FrequencyPenalty < -2 || *r.FrequencyPenalty > 2) {
		return fmt.Errorf("frequency_penalty must be between -2 and 2")
	}
	if r.PresencePenalty != nil && (*r.PresencePenalty < -2 || *r.PresencePenalty > 2) {
		return fmt.Errorf("presence_penalty must be between -2 and 2")
	}
	return nil
}

// PromptChars returns the total character count of all message contents,
// used by the chars/4 cost and token estimation fallback.
func (r *ChatRequest) PromptChars() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Content)
	}
	return n
}

// ChatChoice is a single completion choice.
type ChatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatUsage is the token accounting block of a completion response.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// ChunkDelta is the incremental payload of a streaming chunk. The first
// chunk carries the role, subsequent chunks carry content only, and the
// terminal chunk is empty.
type ChunkDelta struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is a single choice in a streaming chunk. FinishReason is a
// pointer because the wire format requires an explicit null until the
// terminal chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatChunk is an OpenAI-compatible streaming chunk.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// StreamChunk is one element of a provider stream. Exactly one of Chunk
// and Err is set; the channel closes after the terminal chunk or an error.
type StreamChunk struct {
	Chunk *ChatChunk
	Err   error
}

// HealthStatus reports the result of a provider health probe.
type HealthStatus struct {
	Healthy  bool           `json:"healthy"`
	Latency  time.Duration  `json:"latency"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProviderUsage holds per-process provider usage counters. Counters are
// monotonically increasing and reset only on restart.
type ProviderUsage struct {
	Requests       int64   `json:"requests"`
	TokensConsumed int64   `json:"tokens_consumed"`
	CostUSD        float64 `json:"cost_usd"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}
