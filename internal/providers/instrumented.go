package providers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/engine"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
)

// Instrumented records metrics and debug logs around another client.
type Instrumented struct {
	next     engine.LLMClient
	recorder metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewInstrumented wraps next. Nil recorder or logger disable that output.
func NewInstrumented(next engine.LLMClient, recorder metrics.Recorder, logger *zap.Logger) *Instrumented {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Instrumented{
		next:     next,
		recorder: recorder,
		logger:   logger.Named("provider"),
		now:      time.Now,
	}
}

// Chat implements engine.LLMClient.
func (c *Instrumented) Chat(ctx context.Context, model string, messages []engine.ChatMessage, opts engine.ChatOptions) (engine.LLMResponse, error) {
	start := c.now()
	resp, err := c.next.Chat(ctx, model, messages, opts)
	elapsed := c.now().Sub(start)

	status := "success"
	if err != nil {
		status = "error"
		var perr *engine.ProviderError
		if errors.As(err, &perr) {
			status = perr.Status()
		}
	}
	c.recorder.ObserveProviderRequest(model, status, resp.Usage.Prompt, resp.Usage.Completion, elapsed)

	if err != nil {
		c.logger.Debug("chat request failed",
			zap.String("model", model),
			zap.String("status", status),
			zap.Duration("elapsed", elapsed),
			zap.Duration("retry_after", engine.ExtractRetryAfter(err)),
			zap.Error(err),
		)
		return resp, err
	}
	c.logger.Debug("chat request",
		zap.String("model", model),
		zap.Int("messages", len(messages)),
		zap.Int("prompt_tokens", resp.Usage.Prompt),
		zap.Int("completion_tokens", resp.Usage.Completion),
		zap.String("finish_reason", resp.FinishReason),
		zap.Duration("elapsed", elapsed),
	)
	return resp, nil
}
