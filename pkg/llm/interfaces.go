// Package llm provides clients for the completion models used by the
// natural-language translator.
package llm

import "context"

// CompletionRequest is a single-turn completion call. Conversation context
// is folded into Prompt by the caller; providers here are stateless.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
}

// Completion is the model's reply plus usage accounting.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Client abstracts a completion provider. Implementations classify their
// provider errors into *Error so callers can decide retryability without
// provider-specific knowledge.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Model() string
}
