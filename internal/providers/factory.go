package providers

import (
	"fmt"

	"github.com/ChamsBouzaiene/pdn/internal/config"
	"github.com/ChamsBouzaiene/pdn/internal/engine"
)

// NewLLMClient creates an engine.LLMClient for the configured provider and
// returns the model name it will use. Every provider except Anthropic is
// reached through the OpenAI-compatible client.
func NewLLMClient(p config.Provider) (engine.LLMClient, string, error) {
	if err := p.Validate(); err != nil {
		return nil, "", err
	}

	if p.Anthropic() {
		client, err := NewAnthropicClient(p.APIKey, p.Model)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, p.Model, nil
	}

	client, err := NewOpenAIClient(p.APIKey, p.Model, p.BaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create %s client: %w", p.Name, err)
	}
	return client, p.Model, nil
}
