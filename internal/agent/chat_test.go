package agent

import (
	"context"
	"testing"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

func TestCuratedHistoryDropsInvalidModelRun(t *testing.T) {
	history := []models.Content{
		models.UserContent(models.TextPart("hello")),
		models.ModelContent(models.TextPart("hi there")),
		models.UserContent(models.TextPart("do the thing")),
		models.ModelContent(), // empty response, invalid
		models.UserContent(models.TextPart("try again")),
		models.ModelContent(models.TextPart("done")),
	}

	curated := extractCuratedHistory(history)
	if len(curated) != 4 {
		t.Fatalf("curated length = %d, want 4", len(curated))
	}
	// The invalid run and its eliciting user message are gone.
	if curated[2].JoinedText() != "try again" {
		t.Errorf("curated[2] = %q", curated[2].JoinedText())
	}
}

func TestCuratedHistoryKeepsRunWithOneValidContent(t *testing.T) {
	history := []models.Content{
		models.UserContent(models.TextPart("hello")),
		models.ModelContent(),
		models.ModelContent(models.TextPart("recovered")),
	}

	curated := extractCuratedHistory(history)
	if len(curated) != 3 {
		t.Fatalf("curated length = %d, want 3: a run with any valid content survives whole", len(curated))
	}
}

func TestCuratedHistoryNeverDropsFunctionContent(t *testing.T) {
	history := []models.Content{
		models.UserContent(models.TextPart("run it")),
		models.ModelContent(models.Part{FunctionCall: &models.FunctionCall{ID: "c1", Name: "run"}}),
		models.FunctionContent(models.FunctionResponsePart("c1", "run", map[string]any{"error": "failed"})),
		models.ModelContent(), // invalid follow-up
	}

	curated := extractCuratedHistory(history)
	if len(curated) != 3 {
		t.Fatalf("curated length = %d, want 3", len(curated))
	}
	if curated[2].Role != models.RoleFunction {
		t.Errorf("curated[2].Role = %s, want function", curated[2].Role)
	}
}

func TestChatRecordsStreamedResponse(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{{
			{Text: "The answer "},
			{Text: "is 4."},
			{FinishReason: "end_turn", InputTokens: 12, OutputTokens: 6},
		}},
	}
	chat := NewChat(provider, ChatOptions{Model: "test-model"})

	ch, err := chat.SendMessageStream(context.Background(),
		models.UserContent(models.TextPart("2+2?")), "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for range ch {
	}

	history := chat.History(false)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	// Text deltas merge into one part.
	if len(history[1].Parts) != 1 || history[1].Parts[0].Text != "The answer is 4." {
		t.Errorf("model parts = %+v", history[1].Parts)
	}
	usage := chat.LastUsage()
	if usage.InputTokens != 12 || usage.OutputTokens != 6 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestChatSendsCuratedHistoryToProvider(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{{{Text: "ok"}, {FinishReason: "end_turn"}}},
	}
	chat := NewChat(provider, ChatOptions{
		Model: "test-model",
		History: []models.Content{
			models.UserContent(models.TextPart("earlier")),
			models.ModelContent(), // invalid, must be curated away
		},
	})

	ch, err := chat.SendMessageStream(context.Background(),
		models.UserContent(models.TextPart("now")), "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for range ch {
	}

	sent := provider.requests[0].History
	for _, content := range sent {
		if content.Role == models.RoleModel && !isValidModelContent(content) {
			t.Fatal("invalid model content reached the provider")
		}
	}
	// Raw history still remembers everything.
	if raw := chat.History(false); len(raw) != 4 {
		t.Errorf("raw history length = %d, want 4", len(raw))
	}
}

func TestChatCustomCurationPolicy(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{{{Text: "ok"}, {FinishReason: "end_turn"}}},
	}
	keepLastOnly := func(history []models.Content) []models.Content {
		if len(history) == 0 {
			return nil
		}
		return history[len(history)-1:]
	}
	chat := NewChat(provider, ChatOptions{
		Model:    "test-model",
		Curation: keepLastOnly,
		History: []models.Content{
			models.UserContent(models.TextPart("old question")),
			models.ModelContent(models.TextPart("old answer")),
		},
	})

	ch, err := chat.SendMessageStream(context.Background(),
		models.UserContent(models.TextPart("now")), "", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	for range ch {
	}

	sent := provider.requests[0].History
	if len(sent) != 1 || sent[0].JoinedText() != "now" {
		t.Fatalf("provider saw %d contents, want only the latest", len(sent))
	}
	// The curated view goes through the same policy.
	curated := chat.History(true)
	if len(curated) != 1 || curated[0].Role != models.RoleModel {
		t.Errorf("curated view = %+v, want just the model reply", curated)
	}
	if raw := chat.History(false); len(raw) != 4 {
		t.Errorf("raw history length = %d, want 4", len(raw))
	}
}
