package llm

import (
	"commerce-assistant/internal/logger"
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/openai/openai-go"
	"github.com/sirupsen/logrus"
)

// GenkitClient calls an OpenAI-compatible vendor through Genkit's compat_oai plugin
type GenkitClient struct {
	name   string
	genkit *genkit.Genkit
}

// NewGenkitClient initialises Genkit with the vendor registered under name
func NewGenkitClient(ctx context.Context, name, baseURL, apiKey string) (*GenkitClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key not configured for provider %s", name)
	}
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}

	g := genkit.Init(ctx,
		genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}),
	)

	logger.Log.WithFields(logrus.Fields{"provider": name, "base_url": baseURL}).Info("Initialized Genkit provider")
	return &GenkitClient{name: name, genkit: g}, nil
}

func (c *GenkitClient) Name() string { return c.name }

// Generate runs a single generation. Genkit does not report cost, so the
// response leaves it for the router to price.
func (c *GenkitClient) Generate(ctx context.Context, req ProviderRequest) (*ProviderResponse, error) {
	model := req.Model
	if !strings.HasPrefix(model, c.name+"/") {
		model = c.name + "/" + model
	}

	var messages []*ai.Message
	for _, msg := range req.Messages {
		role := ai.RoleUser
		switch msg.Role {
		case RoleSystem:
			role = ai.RoleSystem
		case RoleAssistant:
			role = ai.RoleModel
		}
		messages = append(messages, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(msg.Content)},
		})
	}

	params := &openai.ChatCompletionNewParams{}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	logger.Log.WithFields(logrus.Fields{
		"provider":      c.name,
		"model":         model,
		"message_count": len(messages),
	}).Debug("Calling Genkit")

	// JSON mode is requested through the prompt; compat_oai has no response_format switch
	resp, err := genkit.Generate(ctx, c.genkit,
		ai.WithMessages(messages...),
		ai.WithModelName(model),
		ai.WithConfig(params),
	)
	if err != nil {
		return nil, fmt.Errorf("genkit generation failed: %w", err)
	}

	out := &ProviderResponse{
		Content:      resp.Text(),
		FinishReason: string(resp.FinishReason),
	}
	if resp.Usage != nil {
		out.InputTokens = int(resp.Usage.InputTokens)
		out.OutputTokens = int(resp.Usage.OutputTokens)
	}
	return out, nil
}
