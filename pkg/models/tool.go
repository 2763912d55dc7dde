package models

// ToolCallRequest is one requested invocation of a named tool.
// CallID is unique within a batch.
type ToolCallRequest struct {
	CallID            string         `json:"callId"`
	Name              string         `json:"name"`
	Args              map[string]any `json:"args,omitempty"`
	IsClientInitiated bool           `json:"isClientInitiated,omitempty"`
	PromptID          string         `json:"promptId,omitempty"`
}

// ToolCallResponse is the completed outcome of one tool call. Parts holds
// exactly one functionResponse part whose id matches CallID.
type ToolCallResponse struct {
	CallID        string `json:"callId"`
	Parts         []Part `json:"parts"`
	ResultDisplay string `json:"resultDisplay,omitempty"`
	Error         error  `json:"-"`
}

// ToolResult is what a tool execution returns. Content is what the model
// sees; Display is what the UI renders; they may differ.
type ToolResult struct {
	Summary string `json:"summary,omitempty"`
	Content []Part `json:"content,omitempty"`
	Display string `json:"display,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TextResult builds a ToolResult whose model-facing content and display
// are the same string.
func TextResult(text string) *ToolResult {
	return &ToolResult{Content: []Part{TextPart(text)}, Display: text}
}

// ErrorResult builds a failed ToolResult.
func ErrorResult(msg string) *ToolResult {
	return &ToolResult{Content: []Part{TextPart(msg)}, Display: msg, Error: msg}
}

// ContentText concatenates the text parts of the model-facing content.
func (r *ToolResult) ContentText() string {
	var out string
	for _, p := range r.Content {
		out += p.Text
	}
	return out
}

// ConfirmationOutcome is the user's answer to a confirmation prompt.
type ConfirmationOutcome string

const (
	ProceedOnce         ConfirmationOutcome = "proceed_once"
	ProceedAlways       ConfirmationOutcome = "proceed_always"
	ProceedAlwaysServer ConfirmationOutcome = "proceed_always_server"
	ProceedAlwaysTool   ConfirmationOutcome = "proceed_always_tool"
	ModifyWithEditor    ConfirmationOutcome = "modify_with_editor"
	Cancel              ConfirmationOutcome = "cancel"
)

// ConfirmationDetails describes what the user is being asked to approve.
type ConfirmationDetails struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Risk        string         `json:"risk,omitempty"`
	ServerName  string         `json:"serverName,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}
