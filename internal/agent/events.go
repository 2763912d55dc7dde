package agent

import "github.com/lodestar-ai/lodestar/pkg/models"

// EventType discriminates the events emitted by a Turn and forwarded by
// the Client's streaming generator.
type EventType string

const (
	// EventContent is an incremental text chunk.
	EventContent EventType = "content"

	// EventThought is a model reasoning chunk, distinguished from content.
	EventThought EventType = "thought"

	// EventToolCallRequest is a fully-formed function call extracted from
	// the stream.
	EventToolCallRequest EventType = "tool_call_request"

	// EventToolCallsUpdate is a scheduler state snapshot.
	EventToolCallsUpdate EventType = "tool_calls_update"

	// EventError is a transport or decoding error.
	EventError EventType = "error"

	// EventTokenUsage reports token accounting for one model response.
	EventTokenUsage EventType = "token_usage"

	// EventFinished signals the stream closed with a reason.
	EventFinished EventType = "finished"
)

// TokenUsage is the token accounting for one model response.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Event is one item in the turn loop's outward stream.
type Event struct {
	Type         EventType
	Text         string
	Request      *models.ToolCallRequest
	ToolCalls    []ToolCallSnapshot
	Err          error
	FinishReason string
	Usage        *TokenUsage
}

// ContentEvent builds an incremental text event.
func ContentEvent(text string) Event {
	return Event{Type: EventContent, Text: text}
}

// ThoughtEvent builds a reasoning event.
func ThoughtEvent(text string) Event {
	return Event{Type: EventThought, Text: text}
}

// ErrorEvent builds an error event.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Err: err}
}

// FinishedEvent builds a stream-end event.
func FinishedEvent(reason string) Event {
	return Event{Type: EventFinished, FinishReason: reason}
}
