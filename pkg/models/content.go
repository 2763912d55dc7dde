// Package models defines the shared wire types exchanged between the
// agent runtime, LLM providers, and tool implementations.
package models

// Role identifies the author of a Content in conversation history.
type Role string

const (
	RoleUser     Role = "user"
	RoleModel    Role = "model"
	RoleFunction Role = "function"
)

// Part is a tagged-union content fragment. Exactly one of the pointer
// fields (or Text) is set; ordering of parts within a Content is
// significant.
type Part struct {
	// Text holds plain text. When Thought is true the text is model
	// reasoning rather than user-visible output.
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`

	InlineData          *Blob                `json:"inlineData,omitempty"`
	FileData            *FileData            `json:"fileData,omitempty"`
	FunctionCall        *FunctionCall        `json:"functionCall,omitempty"`
	FunctionResponse    *FunctionResponse    `json:"functionResponse,omitempty"`
	ExecutableCode      *ExecutableCode      `json:"executableCode,omitempty"`
	CodeExecutionResult *CodeExecutionResult `json:"codeExecutionResult,omitempty"`
}

// Blob is inline binary content.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// FileData references external content by URI.
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// FunctionCall is a model-requested tool invocation.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool outcome back to the model. Response
// conventionally holds an "output" or "error" key plus tool-specific
// fields.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ExecutableCode is model-emitted code intended for execution.
type ExecutableCode struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

// CodeExecutionResult is the outcome of executing an ExecutableCode part.
type CodeExecutionResult struct {
	Outcome string `json:"outcome"`
	Output  string `json:"output,omitempty"`
}

// Content is one message in conversation history.
type Content struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// ThoughtPart builds a reasoning part.
func ThoughtPart(text string) Part {
	return Part{Text: text, Thought: true}
}

// FunctionResponsePart builds the part representing one tool outcome.
func FunctionResponsePart(id, name string, response map[string]any) Part {
	return Part{FunctionResponse: &FunctionResponse{ID: id, Name: name, Response: response}}
}

// UserContent wraps parts in a user-role message.
func UserContent(parts ...Part) Content {
	return Content{Role: RoleUser, Parts: parts}
}

// ModelContent wraps parts in a model-role message.
func ModelContent(parts ...Part) Content {
	return Content{Role: RoleModel, Parts: parts}
}

// FunctionContent wraps function-response parts in a function-role message.
func FunctionContent(parts ...Part) Content {
	return Content{Role: RoleFunction, Parts: parts}
}

// IsEmpty reports whether the part carries no payload at all.
func (p Part) IsEmpty() bool {
	return p.Text == "" &&
		p.InlineData == nil &&
		p.FileData == nil &&
		p.FunctionCall == nil &&
		p.FunctionResponse == nil &&
		p.ExecutableCode == nil &&
		p.CodeExecutionResult == nil
}

// JoinedText concatenates the text of all non-thought text parts.
func (c Content) JoinedText() string {
	var out string
	for _, p := range c.Parts {
		if p.Text != "" && !p.Thought {
			out += p.Text
		}
	}
	return out
}
