// Package enginetest provides a deterministic LLMClient for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
)

// Reply is one canned provider outcome.
type Reply struct {
	Content string
	Err     error
}

// Call records one request made to the client.
type Call struct {
	Model    string
	Messages []engine.ChatMessage
	Opts     engine.ChatOptions
}

// ScriptedClient replays replies in order and records every call.
// Once the script is exhausted it returns an error.
type ScriptedClient struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Call
}

// NewScriptedClient returns a client that answers with contents in order.
func NewScriptedClient(contents ...string) *ScriptedClient {
	c := &ScriptedClient{}
	for _, content := range contents {
		c.replies = append(c.replies, Reply{Content: content})
	}
	return c
}

// Push appends replies to the script.
func (c *ScriptedClient) Push(replies ...Reply) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, replies...)
	return c
}

// PushText appends plain text replies.
func (c *ScriptedClient) PushText(contents ...string) *ScriptedClient {
	for _, content := range contents {
		c.Push(Reply{Content: content})
	}
	return c
}

// Chat implements engine.LLMClient.
func (c *ScriptedClient) Chat(ctx context.Context, model string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]engine.ChatMessage, len(messages))
	copy(msgs, messages)
	c.calls = append(c.calls, Call{Model: model, Messages: msgs, Opts: opts})

	if err := ctx.Err(); err != nil {
		return engine.LLMResponse{}, engine.WrapLLMError(err, 0, "")
	}
	if len(c.replies) == 0 {
		return engine.LLMResponse{}, engine.WrapLLMError(fmt.Errorf("script exhausted after %d calls", len(c.calls)), 0, "")
	}

	next := c.replies[0]
	c.replies = c.replies[1:]
	if next.Err != nil {
		return engine.LLMResponse{}, engine.WrapLLMError(next.Err, 0, "")
	}
	return engine.LLMResponse{
		Assistant:    engine.ChatMessage{Role: engine.RoleAssistant, Content: next.Content},
		FinishReason: "stop",
	}, nil
}

// Calls returns a copy of the recorded calls.
func (c *ScriptedClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// LastCall returns the most recent call. It panics if there were none.
func (c *ScriptedClient) LastCall() Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

// Remaining reports how many scripted replies are left.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}
