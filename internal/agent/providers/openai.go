package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/lodestar-ai/lodestar/internal/agent"
	"github.com/lodestar-ai/lodestar/internal/retry"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey authenticates against the API (required).
	APIKey string

	// BaseURL overrides the endpoint. Covers OpenAI-compatible
	// gateways (Azure deployments, OpenRouter, local Ollama) as well
	// as tests.
	BaseURL string

	// Retry tunes transport retries. The zero value uses the package
	// defaults.
	Retry retry.Config
}

// OpenAIProvider streams chat completions through the go-openai SDK.
// Safe for concurrent use; each Stream call runs independently.
type OpenAIProvider struct {
	client *openai.Client
	retry  retry.Config
}

// NewOpenAIProvider creates a provider from cfg.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		retry:  cfg.Retry,
	}, nil
}

// Name returns the stable provider identifier.
func (p *OpenAIProvider) Name() string { return "openai" }

// Stream starts one streaming chat completion. Stream creation is
// retried; once the stream is open, failures surface as an Err chunk.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.GenerateRequest) (<-chan *agent.StreamChunk, error) {
	chatReq := p.buildRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	var stream *openai.ChatCompletionStream
	result := retry.Do(ctx, p.retry, func() error {
		s, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return wrapOpenAIErr(err)
		}
		stream = s
		return nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", result.Err)
	}

	out := make(chan *agent.StreamChunk)
	go p.pump(ctx, stream, out)
	return out, nil
}

// pump drains one completion stream into out. Tool calls arrive as
// fragments keyed by index and are emitted once the stream signals they
// are complete.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *agent.StreamChunk) {
	defer close(out)
	defer stream.Close()

	emit := func(chunk *agent.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := map[int]*pendingCall{}
	flushCalls := func() ([]models.FunctionCall, error) {
		if len(pending) == 0 {
			return nil, nil
		}
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		calls := make([]models.FunctionCall, 0, len(indexes))
		for _, i := range indexes {
			call := pending[i]
			if call.id == "" && call.name == "" {
				continue
			}
			args := map[string]any{}
			if raw := call.args.String(); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, fmt.Errorf("openai: tool arguments for %s are not valid JSON: %w", call.name, err)
				}
			}
			calls = append(calls, models.FunctionCall{ID: call.id, Name: call.name, Args: args})
		}
		pending = map[int]*pendingCall{}
		return calls, nil
	}

	finishReason := ""
	var inputTokens, outputTokens int

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				calls, ferr := flushCalls()
				if ferr != nil {
					emit(&agent.StreamChunk{Err: ferr})
					return
				}
				if len(calls) > 0 && !emit(&agent.StreamChunk{FunctionCalls: calls}) {
					return
				}
				emit(&agent.StreamChunk{
					FinishReason: finishReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				})
				return
			}
			emit(&agent.StreamChunk{Err: wrapOpenAIErr(err)})
			return
		}

		// The usage-only frame has no choices.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" && !emit(&agent.StreamChunk{Text: choice.Delta.Content}) {
			return
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &pendingCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			calls, err := flushCalls()
			if err != nil {
				emit(&agent.StreamChunk{Err: err})
				return
			}
			if len(calls) > 0 && !emit(&agent.StreamChunk{FunctionCalls: calls}) {
				return
			}
		}
	}
}

// GenerateJSON performs a non-streaming call in JSON mode. The schema
// travels in the system prompt; json_object response format keeps the
// reply parseable.
func (p *OpenAIProvider) GenerateJSON(ctx context.Context, req *agent.GenerateRequest, responseSchema json.RawMessage) (json.RawMessage, error) {
	augmented := *req
	system := req.System
	if system != "" {
		system += "\n\n"
	}
	augmented.System = system + jsonInstruction(responseSchema)

	chatReq := p.buildRequest(&augmented)
	chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}

	var response openai.ChatCompletionResponse
	result := retry.Do(ctx, p.retry, func() error {
		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return wrapOpenAIErr(err)
		}
		response = resp
		return nil
	})
	if result.Err != nil {
		return nil, fmt.Errorf("openai: generate json: %w", result.Err)
	}
	if len(response.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	return extractJSON(response.Choices[0].Message.Content)
}

func (p *OpenAIProvider) buildRequest(req *agent.GenerateRequest) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openaiMessages(req.History, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openaiTools(req.Tools)
	}
	return chatReq
}

// openaiMessages converts provider-neutral history to chat messages.
// The system prompt leads the array; each tool outcome becomes its own
// tool-role message linked by call ID.
func openaiMessages(history []models.Content, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, content := range history {
		switch content.Role {
		case models.RoleModel:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, part := range content.Parts {
				switch {
				case part.FunctionCall != nil:
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil || part.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   part.FunctionCall.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      part.FunctionCall.Name,
							Arguments: string(args),
						},
					})
				case part.Text != "" && !part.Thought:
					msg.Content += part.Text
				}
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			result = append(result, msg)

		case models.RoleFunction:
			for _, part := range content.Parts {
				if part.FunctionResponse == nil {
					continue
				}
				text, _ := functionResponseText(part.FunctionResponse)
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    text,
					ToolCallID: part.FunctionResponse.ID,
				})
			}

		default:
			text := content.JoinedText()
			if text == "" {
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			})
		}
	}

	return result
}

func openaiTools(decls []agent.FunctionDeclaration) []openai.Tool {
	result := make([]openai.Tool, len(decls))
	for i, decl := range decls {
		params := decl.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func wrapOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &retry.StatusError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
