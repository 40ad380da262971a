package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenRouterClient_Generate(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "gen-123",
			"choices": [{"message": {"role": "assistant", "content": "Karibu!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15, "cost": 0.0004}
		}`))
	}))
	defer server.Close()

	client := NewOpenRouterClient("primary", server.URL+"/", "test-key", server.Client())
	resp, err := client.Generate(context.Background(), ProviderRequest{
		Model:     "openai/gpt-4o-mini",
		Messages:  []Message{{Role: RoleUser, Content: "Habari"}},
		MaxTokens: 64,
		JSONMode:  true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if resp.Content != "Karibu!" || resp.FinishReason != "stop" || resp.GenerationID != "gen-123" {
		t.Errorf("Generate() = %+v", resp)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 || resp.Cost != 0.0004 {
		t.Errorf("usage = %d/%d cost %v", resp.InputTokens, resp.OutputTokens, resp.Cost)
	}
	if got.Model != "openai/gpt-4o-mini" || got.MaxTokens != 64 || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
}

func TestOpenRouterClient_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewOpenRouterClient("primary", server.URL, "test-key", nil)
	_, err := client.Generate(context.Background(), ProviderRequest{Model: "m"})

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Generate() error = %v, want 429 status error", err)
	}
}

func TestOpenRouterClient_MissingKey(t *testing.T) {
	client := NewOpenRouterClient("primary", "", "", nil)
	if _, err := client.Generate(context.Background(), ProviderRequest{Model: "m"}); err == nil {
		t.Error("Generate() without API key succeeded")
	}
}
