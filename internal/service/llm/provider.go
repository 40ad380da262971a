package llm

import (
	"commerce-assistant/internal/config"
	"context"
	"fmt"
	"os"
)

// Message is one chat turn sent to a provider
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ProviderRequest is the vendor-neutral generation request
type ProviderRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float64
	JSONMode    bool
}

// ProviderResponse is the vendor-neutral generation result. Cost is zero
// when the vendor does not report it; the router prices it from the catalogue.
type ProviderResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Cost         float64
	FinishReason string
	GenerationID string
}

// ProviderClient calls one LLM vendor
type ProviderClient interface {
	Name() string
	Generate(ctx context.Context, req ProviderRequest) (*ProviderResponse, error)
}

// Provider kinds
const (
	KindOpenRouter = "openrouter"
	KindGenkit     = "genkit"
)

// NewClients creates a client for every provider in the catalogue, keyed by name
func NewClients(ctx context.Context, providers *config.ProvidersConfig) (map[string]ProviderClient, error) {
	clients := make(map[string]ProviderClient)
	for _, p := range providers.GetProviders() {
		apiKey := os.Getenv(p.APIKeyEnv)

		switch p.Kind {
		case KindOpenRouter, "":
			clients[p.Name] = NewOpenRouterClient(p.Name, p.BaseURL, apiKey, nil)
		case KindGenkit:
			client, err := NewGenkitClient(ctx, p.Name, p.BaseURL, apiKey)
			if err != nil {
				return nil, fmt.Errorf("creating genkit client %s: %w", p.Name, err)
			}
			clients[p.Name] = client
		default:
			return nil, fmt.Errorf("unsupported provider kind %q for %s", p.Kind, p.Name)
		}
	}
	return clients, nil
}
