// Package llm routes chat requests across configured model providers.
//
// The router resolves model aliases, orders candidate providers by priority
// and health, and wraps every call in the reliability stack: circuit breaker,
// jittered retry, per-provider rate limits, and the cost budget. When a
// provider fails the router falls over to the next candidate, and finally to
// the configured fallback models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoProvider means no registered provider serves the requested model.
	ErrNoProvider = errors.New("llm: no provider for model")
	// ErrBudgetExceeded means the projected cost of the request crosses the
	// budget limit for the current window.
	ErrBudgetExceeded = errors.New("llm: budget exceeded")
	// ErrRateLimited means every candidate provider is out of rate capacity.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrStreamStalled means the provider stopped sending chunks mid-stream.
	ErrStreamStalled = errors.New("llm: stream stalled")
)

// APIError is a provider API failure carrying the upstream HTTP status, so
// the router can tell permanent client errors from transient ones.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: %s API error (HTTP %d): %s", e.Provider, e.StatusCode, e.Message)
}

// Permanent reports whether retrying cannot succeed: any 4xx except request
// timeout and rate limiting. Permanent failures mark the provider unhealthy
// until a probe readmits it.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a routed chat call. Model may be an alias.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Usage is the token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatResponse is a completed non-streaming call.
type ChatResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finishReason,omitempty"`
}

// StreamChunk is one incremental piece of a streamed response.
type StreamChunk struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// StreamResult summarizes a completed stream.
type StreamResult struct {
	Content            string `json:"content"`
	Model              string `json:"model"`
	Usage              Usage  `json:"usage"`
	TimeToFirstChunkMs int64  `json:"timeToFirstChunkMs"`
	TotalDurationMs    int64  `json:"totalDurationMs"`
	ChunkCount         int    `json:"chunkCount"`
}

// Metadata describes how the router served a request.
type Metadata struct {
	RequestID     string `json:"requestId"`
	ProviderID    string `json:"providerId"`
	LatencyMs     int64  `json:"latencyMs"`
	RetryCount    int    `json:"retryCount"`
	FailoverCount int    `json:"failoverCount"`
}

// Result pairs a response with its routing metadata.
type Result struct {
	Response *ChatResponse `json:"response"`
	Metadata Metadata      `json:"metadata"`
}

// StreamOutcome pairs a stream summary with its routing metadata.
type StreamOutcome struct {
	Result   *StreamResult `json:"result"`
	Metadata Metadata      `json:"metadata"`
}

// ChunkFunc receives stream chunks as they arrive. Returning an error aborts
// the stream.
type ChunkFunc func(StreamChunk) error

// Provider is one upstream model API.
type Provider interface {
	// ID is the stable identifier used for breakers, limits, and metadata.
	ID() string
	// Name is the human-readable provider name.
	Name() string
	// Models lists the model identifiers this provider serves.
	Models() []string
	// IsAvailable probes the provider's health endpoint.
	IsAvailable(ctx context.Context) error
	// Chat performs a non-streaming completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatStream performs a streaming completion, invoking onChunk per piece.
	ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (*StreamResult, error)
}
