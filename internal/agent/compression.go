package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

// Compression defaults. The trigger fires when the estimated history
// size crosses the threshold fraction of the context window; the most
// recent preserve fraction of the history survives verbatim.
const (
	defaultCompressionThreshold = 0.7
	defaultCompressionPreserve  = 0.3
)

// CompressionConfig tunes when and how much history gets summarized.
type CompressionConfig struct {
	// ContextLimit is the model's context window in tokens.
	ContextLimit int
	// Threshold is the fraction of ContextLimit that triggers
	// compression. Zero means the default.
	Threshold float64
	// Preserve is the fraction of history (by size) kept verbatim.
	// Zero means the default.
	Preserve float64
}

// CompressionInfo reports the outcome of one compression attempt.
type CompressionInfo struct {
	Compressed         bool
	OriginalTokenCount int
	NewTokenCount      int
}

const compressionPrompt = `Summarize the conversation so far into a dense, factual state snapshot a model can resume work from. Include: the user's goals, decisions made, key facts and file or resource names discovered, tool results that still matter, and any unfinished work with its next step. Omit pleasantries and superseded attempts. Respond only in JSON.`

var compressionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "summary": {
      "type": "string",
      "description": "Dense snapshot of the conversation state."
    }
  },
  "required": ["summary"]
}`)

// TryCompress summarizes the older part of the chat history when it has
// grown past the threshold, or unconditionally when force is set. The
// raw history is replaced by a summary exchange followed by the
// preserved tail, which always starts at a user message so no tool
// response is orphaned from its call.
func TryCompress(ctx context.Context, chat *Chat, provider LLMProvider, model string, cfg CompressionConfig, force bool, logger *slog.Logger) (CompressionInfo, error) {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = defaultCompressionThreshold
	}
	preserve := cfg.Preserve
	if preserve == 0 {
		preserve = defaultCompressionPreserve
	}

	curated := chat.History(true)
	original := estimateTokens(curated)
	info := CompressionInfo{OriginalTokenCount: original, NewTokenCount: original}

	if len(curated) == 0 {
		return info, nil
	}
	if !force && (cfg.ContextLimit <= 0 || float64(original) < threshold*float64(cfg.ContextLimit)) {
		return info, nil
	}

	split := findIndexAfterFraction(curated, 1-preserve)
	// Never split between a tool call and its response. Walk forward to
	// the next user message.
	for split < len(curated) && curated[split].Role != models.RoleUser {
		split++
	}
	head, tail := curated[:split], curated[split:]
	if len(head) == 0 {
		return info, nil
	}

	history := append(append([]models.Content(nil), head...),
		models.UserContent(models.TextPart(compressionPrompt)))
	raw, err := provider.GenerateJSON(ctx, &GenerateRequest{
		Model:   model,
		History: history,
	}, compressionSchema)
	if err != nil {
		return info, fmt.Errorf("compress history: %w", err)
	}
	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Summary == "" {
		return info, fmt.Errorf("compress history: unusable summary")
	}

	rebuilt := make([]models.Content, 0, len(tail)+2)
	rebuilt = append(rebuilt,
		models.UserContent(models.TextPart("Context from the conversation so far:\n\n"+parsed.Summary)),
		models.ModelContent(models.TextPart("Got it. Continuing from that state.")),
	)
	rebuilt = append(rebuilt, tail...)
	chat.SetHistory(rebuilt)

	info.Compressed = true
	info.NewTokenCount = estimateTokens(rebuilt)
	logger.Info("history compressed",
		"original_tokens", info.OriginalTokenCount,
		"new_tokens", info.NewTokenCount)
	return info, nil
}

// findIndexAfterFraction returns the first content index at or past the
// given fraction of the history's total character size.
func findIndexAfterFraction(history []models.Content, fraction float64) int {
	total := 0
	sizes := make([]int, len(history))
	for i, content := range history {
		sizes[i] = contentSize(content)
		total += sizes[i]
	}
	target := int(float64(total) * fraction)
	running := 0
	for i, size := range sizes {
		if running >= target {
			return i
		}
		running += size
	}
	return len(history)
}

func contentSize(content models.Content) int {
	size := 0
	for _, part := range content.Parts {
		size += len(part.Text)
		if part.FunctionCall != nil {
			if b, err := json.Marshal(part.FunctionCall.Args); err == nil {
				size += len(b) + len(part.FunctionCall.Name)
			}
		}
		if part.FunctionResponse != nil {
			if b, err := json.Marshal(part.FunctionResponse.Response); err == nil {
				size += len(b) + len(part.FunctionResponse.Name)
			}
		}
	}
	return size
}

// estimateTokens approximates token usage at four characters per token.
// Good enough for a compression trigger; exact counts come from the
// provider's usage reports.
func estimateTokens(history []models.Content) int {
	chars := 0
	for _, content := range history {
		chars += contentSize(content)
	}
	return chars / 4
}
