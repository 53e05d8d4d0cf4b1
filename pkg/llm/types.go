// Package llm implements the LLM client collaborator (§6): a
// transport-agnostic streaming generation interface with four typed
// error kinds.
package llm

import "context"

// Role names a message's speaker in the LLM-facing conversation shape.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the assembled prompt sent to the provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// SamplingParams controls generation per §6's external-interface table.
type SamplingParams struct {
	MaxTokens         int     `json:"max_tokens,omitempty"`
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	TopK              int     `json:"top_k,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

// Request is one generation call.
type Request struct {
	Messages        []Message      `json:"messages"`
	Model           string         `json:"model"`
	Sampling        SamplingParams `json:"sampling"`
	Stream          bool           `json:"stream"`
	RequestLogprobs bool           `json:"request_logprobs,omitempty"`
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Result is the complete generation record, streamed or not.
type Result struct {
	Content  string         `json:"content"`
	Usage    *Usage         `json:"usage,omitempty"`
	Logprobs map[string]any `json:"logprobs,omitempty"`
}

// Chunk is one piece of a streaming generation. The last chunk in a
// stream carries Final; all others carry an incremental Content delta.
type Chunk struct {
	Content string
	Final   *Result
}

// Client generates a completion, optionally streaming.
// HTTPStreamClient reports transport and provider failures as one of
// the four kinds defined in errors.go; request-encoding and
// malformed-event failures are plain wrapped errors.
type Client interface {
	Generate(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
