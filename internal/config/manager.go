package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Preferences holds the choices saved by `pdn configure`.
type Preferences struct {
	LLMProvider string `json:"llm_provider,omitempty"` // openai, anthropic, ollama, etc.
	APIKey      string `json:"api_key,omitempty"`      // Key for LLMProvider
	Model       string `json:"model,omitempty"`
	BaseURL     string `json:"base_url,omitempty"` // Optional override for API base URL
	ChatbotName string `json:"chatbot_name,omitempty"`
}

// Manager handles loading and saving the preferences file.
type Manager struct {
	configDir string
}

// NewManager creates a manager rooted in the user config directory.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return NewManagerAt(filepath.Join(configDir, "pdn")), nil
}

// NewManagerAt creates a manager that keeps config.json in dir.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the preferences from disk.
// If the file does not exist, it returns empty Preferences and no error.
func (m *Manager) Load() (*Preferences, error) {
	data, err := os.ReadFile(m.GetConfigPath())
	if os.IsNotExist(err) {
		return &Preferences{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return &prefs, nil
}

// Save writes the preferences to disk with restricted permissions (0600).
func (m *Manager) Save(prefs *Preferences) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(prefs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file carries an API key: owner read/write only.
	if err := os.WriteFile(m.GetConfigPath(), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Exists checks if the preferences file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}
