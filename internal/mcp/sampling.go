package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/lodestar-ai/lodestar/internal/agent"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// defaultSamplingMaxTokens bounds a sampling completion when the server
// did not ask for a limit.
const defaultSamplingMaxTokens = 1024

// ProviderSamplingHandler adapts an LLM provider into a handler for
// server-initiated sampling requests. Each request runs as a one-shot
// completion against its own history, isolated from any chat session.
// fallbackModel is used when the request names no model and carries no
// usable hint.
func ProviderSamplingHandler(provider agent.LLMProvider, fallbackModel string) SamplingHandler {
	return func(ctx context.Context, req *SamplingRequest) (*SamplingResponse, error) {
		history, err := samplingHistory(req.Messages)
		if err != nil {
			return nil, err
		}

		model := samplingModel(req, fallbackModel)
		maxTokens := req.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultSamplingMaxTokens
		}

		stream, err := provider.Stream(ctx, &agent.GenerateRequest{
			Model:     model,
			System:    req.SystemPrompt,
			History:   history,
			MaxTokens: maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("sampling stream: %w", err)
		}

		var text strings.Builder
		var stopReason string
		for chunk := range stream {
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			text.WriteString(chunk.Text)
			if chunk.FinishReason != "" {
				stopReason = chunk.FinishReason
			}
		}

		return &SamplingResponse{
			Role:       "assistant",
			Content:    MessageContent{Type: "text", Text: text.String()},
			Model:      model,
			StopReason: stopReason,
		}, nil
	}
}

// samplingHistory converts the server's messages to provider history.
// Only text content is supported; image or resource content fails the
// request rather than silently dropping it.
func samplingHistory(messages []SamplingMessage) ([]models.Content, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("sampling request has no messages")
	}
	history := make([]models.Content, 0, len(messages))
	for i, msg := range messages {
		if msg.Content.Type != "" && msg.Content.Type != "text" {
			return nil, fmt.Errorf("message %d: unsupported content type %q", i, msg.Content.Type)
		}
		part := models.TextPart(msg.Content.Text)
		switch msg.Role {
		case "assistant":
			history = append(history, models.ModelContent(part))
		default:
			history = append(history, models.UserContent(part))
		}
	}
	return history, nil
}

// samplingModel picks the request model, then the first hint, then the
// fallback.
func samplingModel(req *SamplingRequest, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	if req.ModelPrefs != nil {
		for _, hint := range req.ModelPrefs.Hints {
			if hint.Name != "" {
				return hint.Name
			}
		}
	}
	return fallback
}
