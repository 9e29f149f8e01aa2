package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{ID: "test", APIKey: "sk-test", BaseURL: srv.URL, Models: []string{"test-model"}})
	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello" || resp.FinishReason != "stop" {
		t.Fatalf("response: %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("usage: %+v", resp.Usage)
	}
}

func TestOpenAIChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{ID: "test", BaseURL: srv.URL})
	_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if api.StatusCode != http.StatusUnauthorized || api.Provider != "test" {
		t.Fatalf("APIError: %+v", api)
	}
	if !api.Permanent() {
		t.Fatal("401 must classify as permanent")
	}
}

func TestOpenAIChatRateLimitNotPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "slow down", "type": "rate_limit_error"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{ID: "test", BaseURL: srv.URL})
	_, err := p.Chat(context.Background(), ChatRequest{Model: "m"})
	var api *APIError
	if !errors.As(err, &api) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if api.Permanent() {
		t.Fatal("429 must stay retriable")
	}
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		events := []string{
			`{"model":"test-model","choices":[{"delta":{"content":"hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"usage":{"prompt_tokens":5,"completion_tokens":2},"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		}
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{ID: "test", BaseURL: srv.URL})
	var got string
	var doneSeen bool
	res, err := p.ChatStream(context.Background(),
		ChatRequest{Model: "test-model", Messages: []Message{{Role: RoleUser, Content: "hi"}}},
		func(c StreamChunk) error {
			if c.Done {
				doneSeen = true
			}
			got += c.Content
			return nil
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got != "hello" || !doneSeen {
		t.Fatalf("chunks: %q done=%v", got, doneSeen)
	}
	if res.Content != "hello" || res.ChunkCount != 2 {
		t.Fatalf("result: %+v", res)
	}
	if res.Usage.InputTokens != 5 || res.Usage.OutputTokens != 2 {
		t.Fatalf("usage: %+v", res.Usage)
	}
	if res.TimeToFirstChunkMs < 0 || res.TotalDurationMs < res.TimeToFirstChunkMs {
		t.Fatalf("timings: %+v", res)
	}
}

func TestOpenAIStreamInitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAI(OpenAIConfig{ID: "test", BaseURL: srv.URL, InitTimeout: 50 * time.Millisecond})
	_, err := p.ChatStream(context.Background(), ChatRequest{Model: "m"}, func(StreamChunk) error { return nil })
	if !errors.Is(err, ErrStreamStalled) {
		t.Fatalf("err = %v, want ErrStreamStalled", err)
	}
}

func TestOpenAIStreamStall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		flusher.Flush()
		<-release // never sends another chunk
	}))
	defer srv.Close()
	defer close(release)

	p := NewOpenAI(OpenAIConfig{ID: "test", BaseURL: srv.URL, StallTimeout: 50 * time.Millisecond})
	_, err := p.ChatStream(context.Background(), ChatRequest{Model: "m"}, func(StreamChunk) error { return nil })
	if !errors.Is(err, ErrStreamStalled) {
		t.Fatalf("err = %v, want ErrStreamStalled", err)
	}
}
