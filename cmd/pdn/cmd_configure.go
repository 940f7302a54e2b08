package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/pdn/internal/config"
)

var (
	cfgProvider string
	cfgAPIKey   string
	cfgModel    string
	cfgBaseURL  string
	cfgChatbot  string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Save provider preferences for future runs",
	Long: `Save provider preferences in the user config directory.

Environment variables still take precedence over saved preferences.
Run without flags to print the current preferences.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		manager, err := config.NewManager()
		if err != nil {
			return err
		}
		prefs, err := manager.Load()
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.NFlag() == 0 {
			printPreferences(cmd, manager.GetConfigPath(), prefs)
			return nil
		}

		if flags.Changed("provider") {
			name := strings.ToLower(cfgProvider)
			if !config.KnownProvider(name) {
				return fmt.Errorf("unknown provider %s (supported: %s)", name, strings.Join(config.ProviderNames(), ", "))
			}
			if name != prefs.LLMProvider {
				// Credentials belong to the previous provider.
				prefs.APIKey, prefs.Model, prefs.BaseURL = "", "", ""
			}
			prefs.LLMProvider = name
		}
		if flags.Changed("api-key") {
			prefs.APIKey = cfgAPIKey
		}
		if flags.Changed("model") {
			prefs.Model = cfgModel
		}
		if flags.Changed("base-url") {
			prefs.BaseURL = cfgBaseURL
		}
		if flags.Changed("chatbot") {
			prefs.ChatbotName = cfgChatbot
		}

		if err := manager.Save(prefs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", manager.GetConfigPath())
		return nil
	},
}

func init() {
	f := configureCmd.Flags()
	f.StringVar(&cfgProvider, "provider", "", "LLM provider ("+strings.Join(config.ProviderNames(), ", ")+")")
	f.StringVar(&cfgAPIKey, "api-key", "", "API key for the provider")
	f.StringVar(&cfgModel, "model", "", "Model name")
	f.StringVar(&cfgBaseURL, "base-url", "", "Override the provider base URL")
	f.StringVar(&cfgChatbot, "chatbot", "", "Chatbot to select from CHATBOT_CONFIG")
}

func printPreferences(cmd *cobra.Command, path string, prefs *config.Preferences) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config: %s\n", path)
	fmt.Fprintf(out, "provider: %s\n", prefs.LLMProvider)
	fmt.Fprintf(out, "api key:  %s\n", maskKey(prefs.APIKey))
	fmt.Fprintf(out, "model:    %s\n", prefs.Model)
	fmt.Fprintf(out, "base url: %s\n", prefs.BaseURL)
	fmt.Fprintf(out, "chatbot:  %s\n", prefs.ChatbotName)
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
