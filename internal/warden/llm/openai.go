package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultBaseURL      = "https://api.openai.com/v1"
	defaultChatTimeout  = 120 * time.Second
	defaultInitTimeout  = 30 * time.Second
	defaultStallTimeout = 15 * time.Second
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// ID is the provider identifier ("openai", "ollama", …).
	ID string
	// Name is the display name. Defaults to ID.
	Name string
	// APIKey is the bearer token. May be empty for local endpoints.
	APIKey string
	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string
	// Models lists the model identifiers served through this provider.
	Models []string
	// Timeout is the non-streaming HTTP request timeout. Defaults to 120 s.
	Timeout time.Duration
	// InitTimeout bounds the wait for the first stream chunk. Defaults to 30 s.
	InitTimeout time.Duration
	// StallTimeout bounds the gap between stream chunks. Defaults to 15 s.
	StallTimeout time.Duration
}

// openAIProvider implements Provider against the chat completions API.
type openAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
	// streamClient has no overall timeout; streams are bounded by the init
	// and stall timers instead.
	streamClient *http.Client
}

// NewOpenAI returns a Provider backed by an OpenAI-compatible chat API.
// The returned provider is safe for concurrent use.
func NewOpenAI(cfg OpenAIConfig) Provider {
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultChatTimeout
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = defaultInitTimeout
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	return &openAIProvider{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
	}
}

func (p *openAIProvider) ID() string       { return p.cfg.ID }
func (p *openAIProvider) Name() string     { return p.cfg.Name }
func (p *openAIProvider) Models() []string { return p.cfg.Models }

// IsAvailable probes GET /models.
func (p *openAIProvider) IsAvailable(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("llm: create probe request: %w", err)
	}
	p.authorize(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm: probe %s: %w", p.cfg.ID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 500 {
		return fmt.Errorf("llm: probe %s: HTTP %d", p.cfg.ID, resp.StatusCode)
	}
	return nil
}

// --- minimal chat completions wire types ---

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type oaiStreamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage,omitempty"`
}

// apiError builds the typed provider error, pulling the message out of the
// API's error envelope when the body carries one.
func (p *openAIProvider) apiError(status int, body []byte) *APIError {
	msg := strings.TrimSpace(string(body))
	var envelope oaiResponse
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		msg = fmt.Sprintf("(%s) %s", envelope.Error.Type, envelope.Error.Message)
	}
	return &APIError{
		Provider:   p.cfg.ID,
		StatusCode: status,
		Message:    fmt.Sprintf("%.200s", msg),
	}
}

func (p *openAIProvider) authorize(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
}

func (p *openAIProvider) newChatRequest(ctx context.Context, req ChatRequest, stream bool) (*http.Request, error) {
	messages := make([]oaiMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = oaiMessage{Role: m.Role, Content: m.Content}
	}
	body := oaiRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("llm: create http request: %w", err)
	}
	p.authorize(httpReq)
	return httpReq, nil
}

// Chat performs a non-streaming completion.
func (p *openAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpReq, err := p.newChatRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp.StatusCode, respBody)
	}

	var oaiResp oaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		return nil, fmt.Errorf("llm: decode API response (HTTP %d): %w", resp.StatusCode, err)
	}
	if oaiResp.Error != nil {
		return nil, p.apiError(resp.StatusCode, respBody)
	}
	if len(oaiResp.Choices) == 0 {
		return nil, fmt.Errorf("llm: no choices returned (HTTP %d)", resp.StatusCode)
	}

	model := oaiResp.Model
	if model == "" {
		model = req.Model
	}
	return &ChatResponse{
		Content:      oaiResp.Choices[0].Message.Content,
		Model:        model,
		FinishReason: oaiResp.Choices[0].FinishReason,
		Usage: Usage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
		},
	}, nil
}

// ChatStream performs a streaming completion over SSE. The first chunk must
// arrive within InitTimeout and each subsequent chunk within StallTimeout;
// otherwise the body is aborted and ErrStreamStalled returned.
func (p *openAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (*StreamResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := p.newChatRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(p.cfg.InitTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	resp, err := p.streamClient.Do(httpReq)
	if err != nil {
		if stalled.Load() {
			return nil, fmt.Errorf("%w: no response within %s", ErrStreamStalled, p.cfg.InitTimeout)
		}
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, p.apiError(resp.StatusCode, body)
	}

	result := &StreamResult{Model: req.Model}
	var content strings.Builder
	var firstChunkAt time.Time

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var ev oaiStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("llm: decode stream event: %w", err)
		}

		// First chunk arrived; switch the watchdog to the stall timeout.
		if firstChunkAt.IsZero() {
			firstChunkAt = time.Now()
			result.TimeToFirstChunkMs = firstChunkAt.Sub(start).Milliseconds()
		}
		watchdog.Reset(p.cfg.StallTimeout)

		if ev.Model != "" {
			result.Model = ev.Model
		}
		if ev.Usage != nil {
			result.Usage.InputTokens = ev.Usage.PromptTokens
			result.Usage.OutputTokens = ev.Usage.CompletionTokens
		}
		if len(ev.Choices) == 0 {
			continue
		}

		piece := ev.Choices[0].Delta.Content
		if piece != "" {
			content.WriteString(piece)
			result.ChunkCount++
			if onChunk != nil {
				if err := onChunk(StreamChunk{Content: piece}); err != nil {
					return nil, fmt.Errorf("llm: chunk callback: %w", err)
				}
			}
		}
		if ev.Choices[0].FinishReason != "" {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if stalled.Load() {
			return nil, fmt.Errorf("%w: no chunk within %s", ErrStreamStalled, p.cfg.StallTimeout)
		}
		return nil, fmt.Errorf("llm: read stream: %w", err)
	}

	result.Content = content.String()
	result.TotalDurationMs = time.Since(start).Milliseconds()
	if onChunk != nil {
		if err := onChunk(StreamChunk{Done: true}); err != nil {
			return nil, fmt.Errorf("llm: chunk callback: %w", err)
		}
	}
	return result, nil
}
