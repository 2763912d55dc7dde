package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

func longHistory(pairs int) []models.Content {
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	var history []models.Content
	for i := 0; i < pairs; i++ {
		history = append(history,
			models.UserContent(models.TextPart("question "+filler)),
			models.ModelContent(models.TextPart("answer "+filler)),
		)
	}
	return history
}

func TestCompressionBelowThresholdIsNoOp(t *testing.T) {
	provider := &mockProvider{}
	chat := NewChat(provider, ChatOptions{Model: "test-model", History: longHistory(2)})

	info, err := TryCompress(context.Background(), chat, provider, "test-model",
		CompressionConfig{ContextLimit: 1_000_000}, false, slog.Default())
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if info.Compressed {
		t.Fatal("compression fired below threshold")
	}
	if provider.jsonCalls != 0 {
		t.Error("no model call expected below threshold")
	}
	if len(chat.History(false)) != 4 {
		t.Error("history modified by a no-op")
	}
}

func TestCompressionForceReplacesPrefix(t *testing.T) {
	provider := &mockProvider{
		jsonResponses: []json.RawMessage{json.RawMessage(`{"summary":"User asked questions; all answered."}`)},
	}
	chat := NewChat(provider, ChatOptions{Model: "test-model", History: longHistory(10)})
	before := estimateTokens(chat.History(true))

	info, err := TryCompress(context.Background(), chat, provider, "test-model",
		CompressionConfig{}, true, slog.Default())
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !info.Compressed {
		t.Fatal("force compression did not fire")
	}
	if info.OriginalTokenCount != before {
		t.Errorf("original tokens = %d, want %d", info.OriginalTokenCount, before)
	}
	if info.NewTokenCount >= info.OriginalTokenCount {
		t.Errorf("compression grew the history: %d -> %d", info.OriginalTokenCount, info.NewTokenCount)
	}

	history := chat.History(false)
	if history[0].Role != models.RoleUser || !strings.Contains(history[0].JoinedText(), "all answered") {
		t.Errorf("history[0] = %+v", history[0])
	}
	if history[1].Role != models.RoleModel {
		t.Errorf("history[1].Role = %s, want model", history[1].Role)
	}
	// The preserved tail starts at a user message.
	if len(history) > 2 && history[2].Role != models.RoleUser {
		t.Errorf("tail starts with role %s, want user", history[2].Role)
	}
}

func TestCompressionFailureIsNonFatalToHistory(t *testing.T) {
	provider := &mockProvider{jsonResponses: []json.RawMessage{json.RawMessage(`broken`)}}
	chat := NewChat(provider, ChatOptions{Model: "test-model", History: longHistory(10)})

	_, err := TryCompress(context.Background(), chat, provider, "test-model",
		CompressionConfig{}, true, slog.Default())
	if err == nil {
		t.Fatal("expected an error from an unusable summary")
	}
	if len(chat.History(false)) != 20 {
		t.Error("failed compression must leave the history untouched")
	}
}

func TestFindIndexAfterFraction(t *testing.T) {
	history := longHistory(10)
	idx := findIndexAfterFraction(history, 0.7)
	if idx <= 0 || idx >= len(history) {
		t.Fatalf("split index = %d out of (0, %d)", idx, len(history))
	}
}
