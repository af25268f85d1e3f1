package llm

import "context"

// Client is the interface the agent loop talks to. Implementations
// must be safe for concurrent use.
type Client interface {
	// CreateChatCompletion sends one chat completion request.
	CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
