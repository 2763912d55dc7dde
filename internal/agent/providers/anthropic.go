// Package providers implements the LLM provider adapters consumed by
// the agent runtime. Each adapter owns the conversion between the
// runtime's provider-neutral history and its SDK's wire format, plus
// transport retries.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/lodestar-ai/lodestar/internal/agent"
	"github.com/lodestar-ai/lodestar/internal/retry"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// defaultMaxTokens caps generation when the request does not specify a
// limit.
const defaultMaxTokens = 4096

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API (required).
	APIKey string

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string

	// Retry tunes transport retries. The zero value uses the package
	// defaults.
	Retry retry.Config
}

// AnthropicProvider streams Claude responses through the official SDK.
// Safe for concurrent use; each Stream call runs independently.
type AnthropicProvider struct {
	client anthropic.Client
	retry  retry.Config
}

// NewAnthropicProvider creates a provider from cfg.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		retry:  cfg.Retry,
	}, nil
}

// Name returns the stable provider identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Stream starts one streaming model response. Failures before any chunk
// reaches the consumer are retried; once output has been delivered the
// stream fails in place, since retrying would replay text the consumer
// already saw.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.GenerateRequest) (<-chan *agent.StreamChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.StreamChunk)
	go func() {
		defer close(out)

		var midStreamErr error
		result := retry.Do(ctx, p.retry, func() error {
			stream := p.client.Messages.NewStreaming(ctx, params)
			produced, err := p.pump(ctx, stream, out)
			if err == nil {
				return nil
			}
			if produced {
				midStreamErr = err
				return nil
			}
			return wrapAnthropicErr(err)
		})

		finalErr := midStreamErr
		if finalErr == nil {
			finalErr = result.Err
		}
		if finalErr != nil {
			select {
			case out <- &agent.StreamChunk{Err: finalErr}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// pump drains one SSE stream into out. It reports whether any chunk
// reached the consumer so the caller can decide if a retry is safe.
func (p *AnthropicProvider) pump(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.StreamChunk) (bool, error) {
	produced := false
	emit := func(chunk *agent.StreamChunk) bool {
		select {
		case out <- chunk:
			produced = true
			return true
		case <-ctx.Done():
			return false
		}
	}

	var toolCall *models.FunctionCall
	var toolInput strings.Builder
	var inputTokens, outputTokens int
	finishReason := ""

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.FunctionCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" && !emit(&agent.StreamChunk{Text: delta.Text}) {
					return produced, ctx.Err()
				}
			case "thinking_delta":
				if delta.Thinking != "" && !emit(&agent.StreamChunk{Thought: delta.Thinking}) {
					return produced, ctx.Err()
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				args := map[string]any{}
				if raw := toolInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return produced, fmt.Errorf("anthropic: tool input for %s is not valid JSON: %w", toolCall.Name, err)
					}
				}
				toolCall.Args = args
				if !emit(&agent.StreamChunk{FunctionCalls: []models.FunctionCall{*toolCall}}) {
					return produced, ctx.Err()
				}
				toolCall = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				finishReason = string(delta.Delta.StopReason)
			}

		case "message_stop":
			emit(&agent.StreamChunk{
				FinishReason: finishReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return produced, nil
		}
	}

	if err := stream.Err(); err != nil {
		return produced, err
	}
	return produced, nil
}

// GenerateJSON performs a small non-streaming call that must return a
// JSON object conforming to responseSchema. The schema travels in the
// system prompt; the reply is stripped of any fencing before returning.
func (p *AnthropicProvider) GenerateJSON(ctx context.Context, req *agent.GenerateRequest, responseSchema json.RawMessage) (json.RawMessage, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	system := req.System
	if system != "" {
		system += "\n\n"
	}
	system += jsonInstruction(responseSchema)
	params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}

	var message *anthropic.Message
	result := retry.Do(ctx, p.retry, func() error {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return wrapAnthropicErr(err)
		}
		message = msg
		return nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("anthropic: generate json: %w", result.Err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return extractJSON(text.String())
}

func (p *AnthropicProvider) buildParams(req *agent.GenerateRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  anthropicMessages(req.History),
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// anthropicMessages converts provider-neutral history into the SDK's
// message params. Function-role entries become user messages carrying
// tool results, per the API's turn structure.
func anthropicMessages(history []models.Content) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, content := range history {
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range content.Parts {
			switch {
			case part.FunctionCall != nil:
				call := part.FunctionCall
				args := call.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			case part.FunctionResponse != nil:
				text, isError := functionResponseText(part.FunctionResponse)
				blocks = append(blocks, anthropic.NewToolResultBlock(part.FunctionResponse.ID, text, isError))
			case part.Text != "" && !part.Thought:
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if content.Role == models.RoleModel {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result
}

func anthropicTools(decls []agent.FunctionDeclaration) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, decl := range decls {
		raw, err := json.Marshal(decl.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter schema for %s: %w", decl.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid parameter schema for %s: %w", decl.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, decl.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid parameter schema for %s: missing tool definition", decl.Name)
		}
		tool.OfTool.Description = anthropic.String(decl.Description)
		result = append(result, tool)
	}
	return result, nil
}

// functionResponseText flattens a tool outcome into the single string a
// tool_result block carries. An "error" key marks the result as an
// error; otherwise "output" is used when present, falling back to the
// whole response as JSON.
func functionResponseText(fr *models.FunctionResponse) (string, bool) {
	if msg, ok := fr.Response["error"].(string); ok {
		return msg, true
	}
	if out, ok := fr.Response["output"].(string); ok {
		return out, false
	}
	data, err := json.Marshal(fr.Response)
	if err != nil {
		return "", false
	}
	return string(data), false
}

func wrapAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.StatusCode, Err: err}
	}
	return err
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return defaultMaxTokens
	}
	return maxTokens
}

func jsonInstruction(schema json.RawMessage) string {
	return "Respond with a single JSON object that conforms to this JSON Schema. Do not include any other text.\n" + string(schema)
}

// extractJSON pulls the JSON object out of a model reply, tolerating
// markdown fencing and surrounding prose.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("response contains no JSON object: %q", text)
	}
	candidate := trimmed[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return nil, fmt.Errorf("response is not valid JSON: %q", candidate)
	}
	return json.RawMessage(candidate), nil
}
