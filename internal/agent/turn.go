package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lodestar-ai/lodestar/internal/observability"
	"github.com/lodestar-ai/lodestar/internal/signal"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// Turn is one pass of the agent loop: a single model response consumed
// to completion. It translates provider chunks into events and collects
// the function calls the model requested. A Turn never executes tools;
// that is the scheduler's job.
type Turn struct {
	chat     *Chat
	promptID string

	mu           sync.Mutex
	pending      []models.ToolCallRequest
	finishReason string
	usage        *TokenUsage
}

// NewTurn creates a turn bound to a chat and a prompt identifier. The
// prompt identifier groups every tool call made while resolving one user
// prompt, across continuation turns.
func NewTurn(chat *Chat, promptID string) *Turn {
	return &Turn{chat: chat, promptID: promptID}
}

// Run sends the request content and streams the model's response as
// events. The returned channel closes when the response is complete,
// the context is aborted, or a terminal error occurred.
func (t *Turn) Run(ctx context.Context, content models.Content, system string, tools []FunctionDeclaration) (<-chan Event, error) {
	ctx, span := observability.StartSpan(ctx, "turn.run",
		attribute.String("prompt_id", t.promptID))

	upstream, err := t.chat.SendMessageStream(ctx, content, system, tools)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		var streamErr error
		defer func() { observability.EndSpan(span, streamErr) }()
		for chunk := range upstream {
			if ctx.Err() != nil {
				return
			}
			if chunk.Err != nil {
				if signal.IsAbort(chunk.Err) {
					return
				}
				streamErr = chunk.Err
				emit(ctx, out, ErrorEvent(chunk.Err))
				return
			}
			if chunk.Thought != "" {
				emit(ctx, out, ThoughtEvent(chunk.Thought))
			}
			if chunk.Text != "" {
				emit(ctx, out, ContentEvent(chunk.Text))
			}
			for _, fc := range chunk.FunctionCalls {
				req := t.handleFunctionCall(fc)
				emit(ctx, out, Event{Type: EventToolCallRequest, Request: &req})
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				usage := TokenUsage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
				t.mu.Lock()
				t.usage = &usage
				t.mu.Unlock()
				emit(ctx, out, Event{Type: EventTokenUsage, Usage: &usage})
			}
			if chunk.FinishReason != "" {
				t.mu.Lock()
				t.finishReason = chunk.FinishReason
				t.mu.Unlock()
			}
		}
		t.mu.Lock()
		reason := t.finishReason
		t.mu.Unlock()
		emit(ctx, out, FinishedEvent(reason))
	}()
	return out, nil
}

// handleFunctionCall records a model-requested tool call, synthesizing a
// call identifier when the provider did not supply one. Synthesized ids
// must be unique within the batch, so they carry a uuid rather than a
// timestamp.
func (t *Turn) handleFunctionCall(fc models.FunctionCall) models.ToolCallRequest {
	callID := fc.ID
	if callID == "" {
		callID = fmt.Sprintf("%s-%s", fc.Name, uuid.NewString())
	}
	args := fc.Args
	if args == nil {
		args = make(map[string]any)
	}
	req := models.ToolCallRequest{
		CallID:   callID,
		Name:     fc.Name,
		Args:     args,
		PromptID: t.promptID,
	}
	t.mu.Lock()
	t.pending = append(t.pending, req)
	t.mu.Unlock()
	return req
}

// PendingToolCalls returns the function calls collected this turn, in
// stream order.
func (t *Turn) PendingToolCalls() []models.ToolCallRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.ToolCallRequest(nil), t.pending...)
}

// FinishReason returns the provider's finish reason, when one arrived.
func (t *Turn) FinishReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishReason
}

// Usage returns the token accounting for this turn's response.
func (t *Turn) Usage() *TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// emit sends an event unless the context has been aborted.
func emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
