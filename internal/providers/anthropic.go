package providers

import (
	"context"
	"fmt"

	"github.com/ChamsBouzaiene/pdn/internal/engine"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const (
	anthropicDefaultMaxTokens   = 4096
	anthropicDefaultTemperature = float32(0.7)
)

// AnthropicClient implements engine.LLMClient against the Anthropic messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a client for the given API key.
func NewAnthropicClient(apiKey, modelName string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	return &AnthropicClient{
		client: anthropic.NewClient(apiKey),
		model:  modelName,
	}, nil
}

// Model returns the default model name.
func (c *AnthropicClient) Model() string { return c.model }

// Chat implements engine.LLMClient. Every system message, including a
// trailing reminder, is sent as a system part.
func (c *AnthropicClient) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	if modelName == "" {
		modelName = c.model
	}
	systemParts, anthropicMsgs := toAnthropicMessages(messages)

	maxTokens := anthropicDefaultMaxTokens
	if opts.MaxOutputTokens > 0 {
		maxTokens = opts.MaxOutputTokens
	}
	temperature := anthropicDefaultTemperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	req := anthropic.MessagesRequest{
		Model:       anthropic.Model(modelName),
		Messages:    anthropicMsgs,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		httpStatus, retryAfter := extractErrorMetadata(err)
		return engine.LLMResponse{}, engine.WrapLLMError(err, httpStatus, retryAfter)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text += *block.Text
		}
	}

	finishReason := "stop"
	switch resp.StopReason {
	case "max_tokens":
		finishReason = "length"
	case "content_filtered":
		finishReason = "content_filter"
	}

	return engine.LLMResponse{
		Assistant: engine.ChatMessage{Role: engine.RoleAssistant, Content: text},
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finishReason,
	}, nil
}

// toAnthropicMessages splits system text from the conversation and merges
// consecutive turns of the same role, which the API requires to alternate.
func toAnthropicMessages(messages []engine.ChatMessage) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var systemParts []anthropic.MessageSystemPart
	var out []anthropic.Message

	for _, msg := range messages {
		if msg.Role == engine.RoleSystem {
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
			continue
		}
		if msg.Role != engine.RoleUser && msg.Role != engine.RoleAssistant {
			continue
		}
		if msg.Content == "" || msg.Content == " " {
			continue
		}

		next := anthropic.Message{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
		}
		if msg.Role == engine.RoleAssistant {
			next.Role = anthropic.RoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == next.Role {
			out[n-1].Content = append(out[n-1].Content, next.Content...)
			continue
		}
		out = append(out, next)
	}
	return systemParts, out
}
