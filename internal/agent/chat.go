package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

// Chat owns the conversation history for one session and performs the
// provider round-trips. It keeps two views of the history: the raw view
// records everything that happened, the curated view is what gets sent
// to the model and drops invalid model output together with the user
// input that elicited it.
type Chat struct {
	provider  LLMProvider
	model     string
	maxTokens int
	curate    CurationPolicy
	logger    *slog.Logger

	mu      sync.Mutex
	history []models.Content

	// lastUsage holds the token accounting from the most recent
	// completed response, used by the compression trigger.
	lastUsage TokenUsage
}

// CurationPolicy selects which history contents the model sees. It must
// not mutate its input.
type CurationPolicy func(history []models.Content) []models.Content

// ChatOptions configures a Chat.
type ChatOptions struct {
	Model     string
	MaxTokens int
	History   []models.Content

	// Curation overrides the default policy (drop invalid model runs
	// together with the user input that elicited them).
	Curation CurationPolicy

	Logger *slog.Logger
}

// NewChat creates a chat bound to a provider, optionally seeded with
// prior history.
func NewChat(provider LLMProvider, opts ChatOptions) *Chat {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	curate := opts.Curation
	if curate == nil {
		curate = extractCuratedHistory
	}
	return &Chat{
		provider:  provider,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		curate:    curate,
		logger:    logger.With("component", "chat"),
		history:   append([]models.Content(nil), opts.History...),
	}
}

// History returns a copy of the conversation. With curated true the
// invalid model runs (and their eliciting user inputs) are filtered out.
func (c *Chat) History(curated bool) []models.Content {
	c.mu.Lock()
	defer c.mu.Unlock()
	if curated {
		return c.curate(c.history)
	}
	return append([]models.Content(nil), c.history...)
}

// AddHistory appends a content item to the raw history. Used for tool
// responses and synthetic continuation messages.
func (c *Chat) AddHistory(content models.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, content)
}

// SetHistory replaces the raw history wholesale. Used by compression.
func (c *Chat) SetHistory(history []models.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append([]models.Content(nil), history...)
}

// LastUsage returns the token accounting of the most recent response.
func (c *Chat) LastUsage() TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsage
}

// SendMessageStream records the request content (user input or tool
// responses), starts one streaming model response against the curated
// history, and forwards provider chunks. When the provider stream ends,
// the accumulated model output is recorded in the raw history, even
// when empty, so the curated view can decide what the model should see
// next time.
func (c *Chat) SendMessageStream(ctx context.Context, content models.Content, system string, tools []FunctionDeclaration) (<-chan *StreamChunk, error) {
	c.mu.Lock()
	c.history = append(c.history, content)
	curated := c.curate(c.history)
	c.mu.Unlock()

	req := &GenerateRequest{
		Model:     c.model,
		System:    system,
		History:   curated,
		Tools:     tools,
		MaxTokens: c.maxTokens,
	}
	upstream, err := c.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan *StreamChunk)
	go func() {
		defer close(out)
		var modelParts []models.Part
		var usage TokenUsage
		for chunk := range upstream {
			if chunk.Text != "" {
				modelParts = appendText(modelParts, chunk.Text)
			}
			if chunk.Thought != "" {
				modelParts = append(modelParts, models.ThoughtPart(chunk.Thought))
			}
			for _, fc := range chunk.FunctionCalls {
				call := fc
				modelParts = append(modelParts, models.Part{FunctionCall: &call})
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				usage = TokenUsage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				c.recordModelOutput(modelParts, usage)
				return
			}
		}
		c.recordModelOutput(modelParts, usage)
	}()
	return out, nil
}

func (c *Chat) recordModelOutput(parts []models.Part, usage TokenUsage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, models.ModelContent(parts...))
	if usage.InputTokens > 0 || usage.OutputTokens > 0 {
		c.lastUsage = usage
	}
}

// appendText merges consecutive text deltas into one part so the
// recorded history mirrors what the user read, not the chunking.
func appendText(parts []models.Part, text string) []models.Part {
	if n := len(parts); n > 0 && parts[n-1].Text != "" && !parts[n-1].Thought &&
		parts[n-1].FunctionCall == nil && parts[n-1].FunctionResponse == nil {
		parts[n-1].Text += text
		return parts
	}
	return append(parts, models.TextPart(text))
}

// extractCuratedHistory filters the raw history down to what the model
// should see. A run of consecutive model contents is dropped, together
// with the immediately preceding user content, when every content in
// the run is invalid. User and function contents are never dropped on
// their own.
func extractCuratedHistory(history []models.Content) []models.Content {
	curated := make([]models.Content, 0, len(history))
	i := 0
	for i < len(history) {
		if history[i].Role != models.RoleModel {
			curated = append(curated, history[i])
			i++
			continue
		}
		runStart := i
		valid := false
		for i < len(history) && history[i].Role == models.RoleModel {
			if isValidModelContent(history[i]) {
				valid = true
			}
			i++
		}
		if valid {
			curated = append(curated, history[runStart:i]...)
			continue
		}
		// Invalid run. Drop it, and the user input that elicited it.
		if n := len(curated); n > 0 && curated[n-1].Role == models.RoleUser {
			curated = curated[:n-1]
		}
	}
	return curated
}

// isValidModelContent reports whether a model content carries anything
// the model could usefully see again.
func isValidModelContent(content models.Content) bool {
	if len(content.Parts) == 0 {
		return false
	}
	for _, part := range content.Parts {
		if !part.IsEmpty() {
			return true
		}
	}
	return false
}
