package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultChatbot is the key used when no chatbot is selected or the
// selection matches nothing.
const DefaultChatbot = "default"

// Chatbot is the presentation of one assessment deployment.
type Chatbot struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	Title          string `yaml:"title"`
	WelcomeMessage string `yaml:"welcome_message"`
	ContactEmail   string `yaml:"contact_email"`
}

type chatbotFile struct {
	Chatbots map[string]Chatbot `yaml:"chatbots"`
}

// FallbackChatbot is used when there is no chatbot file at all.
var FallbackChatbot = Chatbot{
	Name:        "Default Chat Bot",
	Description: "A default chatbot configuration",
}

// LoadChatbot reads the chatbot file at path and selects name, first by map
// key, then by the name field, then falling back to the "default" entry.
// An empty path yields FallbackChatbot.
func LoadChatbot(path, name string) (Chatbot, error) {
	if path == "" {
		return FallbackChatbot, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Chatbot{}, fmt.Errorf("failed to read chatbot config: %w", err)
	}

	var file chatbotFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Chatbot{}, fmt.Errorf("failed to parse chatbot config %s: %w", path, err)
	}
	return file.selectChatbot(name), nil
}

func (f chatbotFile) selectChatbot(name string) Chatbot {
	if name == "" {
		name = DefaultChatbot
	}
	if bot, ok := f.Chatbots[name]; ok {
		return bot
	}
	for _, bot := range f.Chatbots {
		if bot.Name == name {
			return bot
		}
	}
	if bot, ok := f.Chatbots[DefaultChatbot]; ok {
		return bot
	}
	return FallbackChatbot
}
