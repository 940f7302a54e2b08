package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Provider describes the model backend a session talks to.
type Provider struct {
	Name    string
	APIKey  string
	Model   string
	BaseURL string
}

// Anthropic reports whether the provider speaks the Anthropic messages API.
// Every other provider is OpenAI-compatible.
func (p Provider) Anthropic() bool {
	return p.Name == ProviderAnthropic
}

// Validate checks that the provider can be dialed.
func (p Provider) Validate() error {
	d, ok := knownProviders[p.Name]
	if !ok {
		return fmt.Errorf("unknown LLM_PROVIDER: %s (supported: %s)", p.Name, strings.Join(ProviderNames(), ", "))
	}
	if p.APIKey == "" {
		return fmt.Errorf("%s not set", envKey(p.Name, "API_KEY"))
	}
	if p.Model == "" {
		return fmt.Errorf("%s not set", envKey(p.Name, "MODEL"))
	}
	if d.fixedURL && p.BaseURL == "" {
		return fmt.Errorf("%s not set", envKey(p.Name, "BASE_URL"))
	}
	return nil
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type providerDefaults struct {
	model   string
	baseURL string
	apiKey  string // placeholder for local servers that ignore the key
	// fixedURL providers are unusable without a base URL.
	fixedURL bool
}

var knownProviders = map[string]providerDefaults{
	ProviderOpenAI:    {model: "gpt-4o-mini"},
	ProviderAnthropic: {model: "claude-3-5-sonnet-20241022"},
	"kimi":            {model: "kimi-k2-250711", baseURL: "https://ark.ap-southeast.bytepluses.com/api/v3", fixedURL: true},
	"gemini":          {model: "gemini-1.5-flash", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", fixedURL: true},
	"lmstudio":        {model: "local-model", baseURL: "http://localhost:1234/v1", apiKey: "lm-studio", fixedURL: true},
	"ollama":          {model: "llama3.1", baseURL: "http://localhost:11434/v1", apiKey: "ollama", fixedURL: true},
	"deepseek":        {model: "deepseek-chat", baseURL: "https://api.deepseek.com/v1", fixedURL: true},
	"groq":            {model: "llama-3.1-70b-versatile", baseURL: "https://api.groq.com/openai/v1", fixedURL: true},
}

// KnownProvider reports whether name is a supported provider.
func KnownProvider(name string) bool {
	_, ok := knownProviders[name]
	return ok
}

// ProviderNames lists the supported provider names in sorted order.
func ProviderNames() []string {
	names := make([]string, 0, len(knownProviders))
	for name := range knownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveProvider builds the provider settings for name. Environment
// variables win over saved preferences, which win over built-in defaults.
// prefs only contribute when they were saved for the same provider.
func ResolveProvider(name string, prefs *Preferences) Provider {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = ProviderOpenAI
	}
	var saved Preferences
	if prefs != nil && strings.EqualFold(prefs.LLMProvider, name) {
		saved = *prefs
	}
	d := knownProviders[name]

	return Provider{
		Name:    name,
		APIKey:  firstNonEmpty(os.Getenv(envKey(name, "API_KEY")), saved.APIKey, d.apiKey),
		Model:   firstNonEmpty(os.Getenv(envKey(name, "MODEL")), saved.Model, d.model),
		BaseURL: firstNonEmpty(os.Getenv(envKey(name, "BASE_URL")), saved.BaseURL, d.baseURL),
	}
}

func envKey(provider, suffix string) string {
	return strings.ToUpper(provider) + "_" + suffix
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
