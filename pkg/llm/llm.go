package llm

import "context"

// Roles accepted in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption and timing of one completion.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	FirstTokenMS     int64 `json:"first_token_ms,omitempty"`
	TotalMS          int64 `json:"total_ms"`
}

// Request carries per-call overrides. Zero fields fall back to the
// client defaults.
type Request struct {
	Messages    []Message
	Model       string
	Temperature float32
	MaxTokens   int
}

// Service is the chat completion interface the pipeline depends on.
type Service interface {
	// Chat performs one synchronous completion.
	Chat(ctx context.Context, req Request) (string, Usage, error)

	// ChatStream performs a streaming completion. The content channel
	// carries deltas in order; the usage channel delivers at most one
	// final report; the error channel at most one failure. All three are
	// closed when the stream ends.
	ChatStream(ctx context.Context, req Request) (<-chan string, <-chan Usage, <-chan error)
}
