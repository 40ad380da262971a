package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Model tiers used by the task routing table
const (
	TierFast = "fast"
	TierMid  = "mid"
	TierHigh = "high"
)

// Pricing is the USD price per 1K tokens for a model
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// Provider describes one LLM vendor endpoint in fallback order
type Provider struct {
	Name      string             `json:"name" yaml:"name"`
	Kind      string             `json:"kind" yaml:"kind"` // openrouter or genkit
	BaseURL   string             `json:"base_url" yaml:"base_url"`
	APIKeyEnv string             `json:"api_key_env" yaml:"api_key_env"`
	Models    map[string]string  `json:"models" yaml:"models"` // tier -> model id
	Pricing   map[string]Pricing `json:"pricing" yaml:"pricing"`
}

// ProvidersConfig holds the configured providers, in fallback order
type ProvidersConfig struct {
	providers []Provider
}

// NewProvidersConfig loads the provider catalogue from a JSON or YAML file
func NewProvidersConfig(configPath string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	var providers []Provider
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &providers)
	default:
		err = json.Unmarshal(data, &providers)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider entry without name")
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}

	return &ProvidersConfig{providers: providers}, nil
}

// NewProvidersConfigFrom builds a catalogue from in-memory entries
func NewProvidersConfigFrom(providers []Provider) *ProvidersConfig {
	return &ProvidersConfig{providers: providers}
}

// GetProviders returns the providers in fallback order
func (pc *ProvidersConfig) GetProviders() []Provider {
	return pc.providers
}

// GetProvider looks a provider up by name
func (pc *ProvidersConfig) GetProvider(name string) (Provider, bool) {
	for _, p := range pc.providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// Names returns the provider names in fallback order
func (pc *ProvidersConfig) Names() []string {
	names := make([]string, 0, len(pc.providers))
	for _, p := range pc.providers {
		names = append(names, p.Name)
	}
	return names
}

// GetDefaultProvider returns the first provider as the primary
func (pc *ProvidersConfig) GetDefaultProvider() string {
	if len(pc.providers) > 0 {
		return pc.providers[0].Name
	}
	return ""
}

// IsValidModel checks if a model ID is offered by any provider
func (pc *ProvidersConfig) IsValidModel(modelID string) bool {
	for _, p := range pc.providers {
		for _, m := range p.Models {
			if m == modelID {
				return true
			}
		}
	}
	return false
}

// ModelForTier returns the model a provider uses for a tier. Missing tiers
// fall back to the provider's mid tier.
func (pc *ProvidersConfig) ModelForTier(provider, tier string) (string, bool) {
	p, ok := pc.GetProvider(provider)
	if !ok {
		return "", false
	}
	if m, ok := p.Models[tier]; ok && m != "" {
		return m, true
	}
	m, ok := p.Models[TierMid]
	return m, ok && m != ""
}

// Cost computes the USD cost of a call from the provider's price table.
// Unknown models cost nothing.
func (pc *ProvidersConfig) Cost(provider, model string, inputTokens, outputTokens int) float64 {
	p, ok := pc.GetProvider(provider)
	if !ok {
		return 0
	}
	price, ok := p.Pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
}
