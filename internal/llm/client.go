// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"fmt"
)

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// CompleteStream sends a streaming completion request. The callback
	// receives each token; returning an error aborts the stream.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Registry resolves a provider name to a configured client. Each round
// participant carries its own provider/model pair.
type Registry struct {
	clients         map[Provider]Client
	defaultProvider Provider
}

// NewRegistry creates an empty registry with the given default provider.
func NewRegistry(defaultProvider Provider) *Registry {
	return &Registry{
		clients:         make(map[Provider]Client),
		defaultProvider: defaultProvider,
	}
}

// Register adds a client for a provider.
func (r *Registry) Register(p Provider, c Client) {
	r.clients[p] = c
}

// For returns the client for the named provider, falling back to the default.
func (r *Registry) For(provider string) (Client, error) {
	if c, ok := r.clients[Provider(provider)]; ok {
		return c, nil
	}
	if c, ok := r.clients[r.defaultProvider]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no client registered for provider %q", provider)
}
