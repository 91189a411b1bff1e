package llm

import "context"

// Client is the interface the agent loop and lifecycle worker depend on.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// tokens and tool-call starts are delivered to it as they arrive.
	ChatStream(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
