package agent

import (
	"context"
	"encoding/json"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

// GenerateRequest is the provider-neutral input for one model call.
type GenerateRequest struct {
	Model     string
	System    string
	History   []models.Content
	Tools     []FunctionDeclaration
	MaxTokens int
}

// StreamChunk is one provider-neutral streaming increment. A chunk may
// carry text, a reasoning delta, zero or more complete function calls, a
// finish reason, or a terminal error.
type StreamChunk struct {
	Text          string
	Thought       string
	FunctionCalls []models.FunctionCall
	FinishReason  string
	InputTokens   int
	OutputTokens  int
	Err           error
}

// LLMProvider is the streaming chat contract the runtime consumes.
// Provider adapters own the wire-format conversion.
type LLMProvider interface {
	// Name returns the stable provider identifier used for logging.
	Name() string

	// Stream starts one model response. The returned channel is closed
	// when the stream completes; a terminal failure arrives as a chunk
	// with Err set.
	Stream(ctx context.Context, req *GenerateRequest) (<-chan *StreamChunk, error)

	// GenerateJSON performs a small non-streaming call that must return
	// JSON conforming to responseSchema. Used for the next-speaker
	// decision and history compression.
	GenerateJSON(ctx context.Context, req *GenerateRequest, responseSchema json.RawMessage) (json.RawMessage, error)
}
