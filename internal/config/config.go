// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	// BackendMemory keeps snapshots in memory only (`pdn chat --ephemeral`).
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Provider        Provider
	Temperature     float64
	MaxOutputTokens int
	ProviderTimeout time.Duration // 0 disables the per-call timeout
	PromptsDir      string        // Optional directory overriding built-in templates
	RAG             RAGConfig
	Storage         StorageConfig
	Sessions        SessionConfig
	MetricsAddr     string // "" = metrics endpoint disabled
	Chatbot         ChatbotSelection
}

// RAGConfig controls the optional reference document.
type RAGConfig struct {
	File         string
	MaxSize      int64 // bytes
	ChunkSize    int
	ChunkOverlap int
}

// StorageConfig selects where assessment snapshots go.
type StorageConfig struct {
	Backend    string
	ResultsDir string
	SQLitePath string
	Workers    int
}

// SessionConfig bounds the in-memory session arena.
type SessionConfig struct {
	MaxSessions int
	IdleTTL     time.Duration
}

// ChatbotSelection points at the chatbot presentation file.
type ChatbotSelection struct {
	Path string
	Name string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWith(nil)
}

// LoadWith reads configuration from environment variables, using prefs for
// anything the environment leaves unset.
func LoadWith(prefs *Preferences) (*Config, error) {
	if prefs == nil {
		prefs = &Preferences{}
	}

	maxSize, err := units.FromHumanSize(getEnv("RAG_MAX_SIZE", "16MB"))
	if err != nil {
		return nil, fmt.Errorf("invalid RAG_MAX_SIZE: %w", err)
	}

	cfg := &Config{
		Provider:        ResolveProvider(getEnv("LLM_PROVIDER", prefs.LLMProvider), prefs),
		Temperature:     getEnvFloat("TEMPERATURE", 0.7),
		MaxOutputTokens: getEnvInt("MAX_OUTPUT_TOKENS", 1000),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 60*time.Second),
		PromptsDir:      getEnv("PROMPTS_DIR", ""),
		RAG: RAGConfig{
			File:         getEnv("RAG_FILE", ""),
			MaxSize:      maxSize,
			ChunkSize:    getEnvInt("RAG_CHUNK_SIZE", 1500),
			ChunkOverlap: getEnvInt("RAG_CHUNK_OVERLAP", 200),
		},
		Storage: StorageConfig{
			Backend:    strings.ToLower(getEnv("STORAGE_BACKEND", BackendFile)),
			ResultsDir: getEnv("ASSESSMENT_RESULTS_DIR", "./assessment_results"),
			SQLitePath: getEnv("SQLITE_PATH", "./data/assessments.db"),
			Workers:    getEnvInt("PERSIST_WORKERS", 4),
		},
		Sessions: SessionConfig{
			MaxSessions: getEnvInt("MAX_SESSIONS", 1000),
			IdleTTL:     getEnvDuration("SESSION_IDLE_TTL", time.Hour),
		},
		MetricsAddr: getEnv("METRICS_ADDR", ""),
		Chatbot: ChatbotSelection{
			Path: getEnv("CHATBOT_CONFIG", ""),
			Name: getEnv("CHATBOT_NAME", firstNonEmpty(prefs.ChatbotName, DefaultChatbot)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that do not depend on credentials. Provider
// credentials are checked by Provider.Validate when a client is built.
func (c *Config) Validate() error {
	if _, ok := knownProviders[c.Provider.Name]; !ok {
		return fmt.Errorf("unknown LLM_PROVIDER: %s (supported: %s)", c.Provider.Name, strings.Join(ProviderNames(), ", "))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("TEMPERATURE must be between 0 and 2, got %v", c.Temperature)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("MAX_OUTPUT_TOKENS must be > 0")
	}
	if c.ProviderTimeout < 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT cannot be negative")
	}
	if c.RAG.MaxSize <= 0 {
		return fmt.Errorf("RAG_MAX_SIZE must be > 0")
	}
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("RAG_CHUNK_SIZE must be > 0")
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("RAG_CHUNK_OVERLAP must be in [0, RAG_CHUNK_SIZE)")
	}
	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.ResultsDir == "" {
			return fmt.Errorf("ASSESSMENT_RESULTS_DIR cannot be empty")
		}
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendFile, BackendSQLite, c.Storage.Backend)
	}
	if c.Storage.Workers <= 0 {
		return fmt.Errorf("PERSIST_WORKERS must be > 0")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be > 0")
	}
	if c.Sessions.IdleTTL < 0 {
		return fmt.Errorf("SESSION_IDLE_TTL cannot be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
