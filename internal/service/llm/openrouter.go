package llm

import (
	"bytes"
	"commerce-assistant/internal/logger"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterClient calls an OpenAI-compatible chat completions endpoint
type OpenRouterClient struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterClient creates a client. A nil httpClient uses a client
// without its own timeout; the router bounds every call through ctx.
func NewOpenRouterClient(name, baseURL, apiKey string, httpClient *http.Client) *OpenRouterClient {
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenRouterClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type responseFormat struct {
	Type string `json:"type"`
}

type usageOptions struct {
	Include bool `json:"include"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Usage          *usageOptions   `json:"usage,omitempty"`
}

type responseUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage *responseUsage `json:"usage,omitempty"`
}

// StatusError is a non-200 reply from the provider
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

func (c *OpenRouterClient) Name() string { return c.name }

// Generate sends a non-streaming chat completion request
func (c *OpenRouterClient) Generate(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured for provider %s", c.name)
	}

	logger.Log.WithFields(logrus.Fields{
		"provider":      c.name,
		"model":         req.Model,
		"message_count": len(req.Messages),
		"json_mode":     req.JSONMode,
	}).Debug("Calling OpenRouter API")

	reqBody := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Usage:       &usageOptions{Include: true},
	}
	if req.JSONMode {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("X-Title", "Commerce Assistant")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from API")
	}

	out := &ProviderResponse{
		Content:      chatResp.Choices[0].Message.Content,
		FinishReason: chatResp.Choices[0].FinishReason,
		GenerationID: chatResp.ID,
	}
	if chatResp.Usage != nil {
		out.InputTokens = chatResp.Usage.PromptTokens
		out.OutputTokens = chatResp.Usage.CompletionTokens
		out.Cost = chatResp.Usage.Cost
	}

	logger.Log.WithFields(logrus.Fields{
		"provider":       c.name,
		"generation_id":  out.GenerationID,
		"content_length": len(out.Content),
		"elapsed":        time.Since(start).Milliseconds(),
	}).Debug("Received OpenRouter response")
	return out, nil
}
