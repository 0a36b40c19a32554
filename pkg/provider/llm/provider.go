// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (e.g., a local Ollama
// instance running llama3.1, OpenAI, or Anthropic) and exposes a uniform
// interface for the koschei reply pipeline to perform completions, count
// tokens, and inspect model capabilities without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/koschei/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []types.Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero leaves the provider default in place.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before Messages as a
	// "system"-role message.
	SystemPrompt string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use from multiple goroutines and
// must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens that the given message list
	// would consume in the model's context window. The result need not be
	// exact but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}
