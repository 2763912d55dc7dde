package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

// mockProvider replays scripted streams and JSON responses.
type mockProvider struct {
	mu            sync.Mutex
	streams       [][]*StreamChunk
	streamErr     error
	jsonResponses []json.RawMessage
	jsonErr       error
	streamCalls   int
	jsonCalls     int
	requests      []*GenerateRequest
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) Stream(ctx context.Context, req *GenerateRequest) (<-chan *StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	p.requests = append(p.requests, req)
	var chunks []*StreamChunk
	if p.streamCalls < len(p.streams) {
		chunks = p.streams[p.streamCalls]
	}
	p.streamCalls++

	ch := make(chan *StreamChunk, len(chunks)+1)
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *mockProvider) GenerateJSON(ctx context.Context, req *GenerateRequest, responseSchema json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jsonErr != nil {
		return nil, p.jsonErr
	}
	var raw json.RawMessage
	if p.jsonCalls < len(p.jsonResponses) {
		raw = p.jsonResponses[p.jsonCalls]
	}
	p.jsonCalls++
	if raw == nil {
		return nil, errors.New("no scripted response")
	}
	return raw, nil
}

func textStream(text string) []*StreamChunk {
	return []*StreamChunk{
		{Text: text},
		{FinishReason: "end_turn", InputTokens: 10, OutputTokens: 5},
	}
}

func toolCallStream(callID, name string, args map[string]any) []*StreamChunk {
	return []*StreamChunk{
		{FunctionCalls: []models.FunctionCall{{ID: callID, Name: name, Args: args}}},
		{FinishReason: "tool_use"},
	}
}

func nextSpeakerJSON(speaker string) json.RawMessage {
	return json.RawMessage(`{"reasoning":"scripted","next_speaker":"` + speaker + `"}`)
}

func collectEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("stream did not close; %d events so far", len(events))
		}
	}
}

func eventsOfType(events []Event, kind EventType) []Event {
	var matched []Event
	for _, ev := range events {
		if ev.Type == kind {
			matched = append(matched, ev)
		}
	}
	return matched
}

func TestClientTextOnlyPrompt(t *testing.T) {
	provider := &mockProvider{
		streams:       [][]*StreamChunk{textStream("The answer is 4.")},
		jsonResponses: []json.RawMessage{nextSpeakerJSON("user")},
	}
	client := NewClient(provider, NewToolRegistry(), ClientOptions{Model: "test-model"})

	events := collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("What is 2+2?")}, "p1", 10))

	content := eventsOfType(events, EventContent)
	if len(content) != 1 || content[0].Text != "The answer is 4." {
		t.Fatalf("content events = %+v", content)
	}
	if len(eventsOfType(events, EventError)) != 0 {
		t.Fatal("unexpected error event")
	}
	if provider.streamCalls != 1 {
		t.Errorf("stream calls = %d, want 1", provider.streamCalls)
	}

	history := client.Chat().History(false)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleModel {
		t.Errorf("history roles = %s, %s", history[0].Role, history[1].Role)
	}
}

func TestClientToolCallRoundTrip(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{
			toolCallStream("call-1", "lookup", map[string]any{"key": "a"}),
			textStream("Found it."),
		},
		jsonResponses: []json.RawMessage{nextSpeakerJSON("user")},
	}
	tool := newMockTool("lookup")
	tool.result = models.TextResult("value-for-a")
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})
	client := NewClient(provider, registry, ClientOptions{Model: "test-model"})

	events := collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("look up a")}, "p1", 10))

	requests := eventsOfType(events, EventToolCallRequest)
	if len(requests) != 1 || requests[0].Request.Name != "lookup" {
		t.Fatalf("tool call request events = %+v", requests)
	}
	if tool.executeCount.Load() != 1 {
		t.Fatalf("tool executed %d times, want 1", tool.executeCount.Load())
	}
	if provider.streamCalls != 2 {
		t.Fatalf("stream calls = %d, want 2", provider.streamCalls)
	}

	// The second model call must see the tool response.
	second := provider.requests[1]
	var sawResponse bool
	for _, content := range second.History {
		for _, part := range content.Parts {
			if part.FunctionResponse != nil && part.FunctionResponse.ID == "call-1" {
				sawResponse = true
				if out, _ := part.FunctionResponse.Response["output"].(string); out != "value-for-a" {
					t.Errorf("tool output = %q", out)
				}
			}
		}
	}
	if !sawResponse {
		t.Fatal("second model call did not include the function response")
	}
}

func TestClientContinuesWhenNextSpeakerIsModel(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{
			textStream("First I will check the config."),
			textStream("Done."),
		},
		jsonResponses: []json.RawMessage{
			nextSpeakerJSON("model"),
			nextSpeakerJSON("user"),
		},
	}
	client := NewClient(provider, NewToolRegistry(), ClientOptions{Model: "test-model"})

	collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("do the thing")}, "p1", 10))

	if provider.streamCalls != 2 {
		t.Fatalf("stream calls = %d, want 2", provider.streamCalls)
	}
	second := provider.requests[1]
	last := second.History[len(second.History)-1]
	if last.Role != models.RoleUser || !strings.Contains(last.JoinedText(), "Please continue.") {
		t.Errorf("continuation message = %+v", last)
	}
}

func TestClientMaxTurnsBound(t *testing.T) {
	// Every response requests another tool call, forever.
	streams := make([][]*StreamChunk, 8)
	for i := range streams {
		streams[i] = toolCallStream("", "loop", nil)
	}
	provider := &mockProvider{streams: streams}
	tool := newMockTool("loop")
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})
	client := NewClient(provider, registry, ClientOptions{Model: "test-model", DisableNextSpeaker: true})

	events := collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("go")}, "p1", 3))

	if provider.streamCalls != 3 {
		t.Fatalf("stream calls = %d, want 3", provider.streamCalls)
	}
	errs := eventsOfType(events, EventError)
	if len(errs) != 1 || !errors.Is(errs[0].Err, ErrMaxTurns) {
		t.Fatalf("error events = %+v", errs)
	}
}

func TestClientSessionTurnCeiling(t *testing.T) {
	provider := &mockProvider{
		streams:       [][]*StreamChunk{textStream("one"), textStream("two")},
		jsonResponses: []json.RawMessage{nextSpeakerJSON("user"), nextSpeakerJSON("user")},
	}
	client := NewClient(provider, NewToolRegistry(), ClientOptions{Model: "test-model", MaxSessionTurns: 1})

	collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("first")}, "p1", 10))
	events := collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("second")}, "p2", 10))

	errs := eventsOfType(events, EventError)
	if len(errs) != 1 || !errors.Is(errs[0].Err, ErrMaxTurns) {
		t.Fatalf("error events = %+v", errs)
	}
	if provider.streamCalls != 1 {
		t.Errorf("stream calls = %d, want 1", provider.streamCalls)
	}
}

func TestClientSynthesizesCallIDs(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{
			toolCallStream("", "lookup", nil),
			textStream("done"),
		},
		jsonResponses: []json.RawMessage{nextSpeakerJSON("user")},
	}
	tool := newMockTool("lookup")
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})
	client := NewClient(provider, registry, ClientOptions{Model: "test-model"})

	events := collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("go")}, "p1", 10))

	requests := eventsOfType(events, EventToolCallRequest)
	if len(requests) != 1 {
		t.Fatalf("tool call requests = %d, want 1", len(requests))
	}
	id := requests[0].Request.CallID
	if !strings.HasPrefix(id, "lookup-") {
		t.Errorf("synthesized call id %q lacks the tool name prefix", id)
	}
	if requests[0].Request.PromptID != "p1" {
		t.Errorf("prompt id = %q, want p1", requests[0].Request.PromptID)
	}
}

func TestClientConfirmationAnsweredFromEventLoop(t *testing.T) {
	// A host that reads the event channel and answers confirmations
	// synchronously from the same loop must not deadlock the scheduler.
	provider := &mockProvider{
		streams: [][]*StreamChunk{
			toolCallStream("call-1", "deploy", nil),
			textStream("Deployed."),
		},
		jsonResponses: []json.RawMessage{nextSpeakerJSON("user")},
	}
	tool := newMockTool("deploy")
	tool.confirm = &models.ConfirmationDetails{Type: "exec", Title: "Deploy?"}
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})
	client := NewClient(provider, registry, ClientOptions{Model: "test-model"})

	ch := client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("deploy it")}, "p1", 10)

	answered := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Type != EventToolCallsUpdate {
				continue
			}
			for _, snap := range ev.ToolCalls {
				if snap.Status != StatusAwaitingApproval || answered[snap.Request.CallID] {
					continue
				}
				answered[snap.Request.CallID] = true
				if err := client.Scheduler().HandleConfirmationResponse(
					context.Background(), snap.Request.CallID, models.ProceedOnce, nil); err != nil {
					t.Errorf("confirmation response: %v", err)
				}
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close; confirmation handoff is stuck")
	}
	if !answered["call-1"] {
		t.Fatal("no confirmation request was surfaced")
	}
	if tool.executeCount.Load() != 1 {
		t.Errorf("tool executed %d times, want 1", tool.executeCount.Load())
	}
}

func TestClientSynthesizedCallIDsDistinctInBatch(t *testing.T) {
	// One response requesting the same tool twice with no provider ids.
	provider := &mockProvider{
		streams: [][]*StreamChunk{
			{
				{FunctionCalls: []models.FunctionCall{
					{Name: "lookup", Args: map[string]any{"key": "a"}},
					{Name: "lookup", Args: map[string]any{"key": "b"}},
				}},
				{FinishReason: "tool_use"},
			},
			textStream("done"),
		},
		jsonResponses: []json.RawMessage{nextSpeakerJSON("user")},
	}
	tool := newMockTool("lookup")
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})
	client := NewClient(provider, registry, ClientOptions{Model: "test-model"})

	events := collectEvents(t, client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("look up both")}, "p1", 10))

	requests := eventsOfType(events, EventToolCallRequest)
	if len(requests) != 2 {
		t.Fatalf("tool call requests = %d, want 2", len(requests))
	}
	first, second := requests[0].Request.CallID, requests[1].Request.CallID
	if first == second {
		t.Fatalf("synthesized ids collide: %q", first)
	}
	if tool.executeCount.Load() != 2 {
		t.Errorf("tool executed %d times, want 2", tool.executeCount.Load())
	}
}

func TestClientAbortStopsLoop(t *testing.T) {
	provider := &mockProvider{
		streams: [][]*StreamChunk{toolCallStream("call-1", "slow", nil)},
	}
	tool := newMockTool("slow")
	tool.execDelay = 5 * time.Second
	registry := NewToolRegistry()
	registry.Register(tool, RegisterOptions{})
	client := NewClient(provider, registry, ClientOptions{Model: "test-model"})

	ch := client.SendMessageStream(context.Background(),
		[]models.Part{models.TextPart("go")}, "p1", 10)

	go func() {
		time.Sleep(100 * time.Millisecond)
		client.Abort()
	}()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not close after abort")
	}
	if provider.streamCalls != 1 {
		t.Errorf("stream calls = %d, want 1", provider.streamCalls)
	}
}
