// Package agent implements the core runtime of the assistant: the turn
// loop, conversation history, the tool scheduler state machine, and the
// tool registry.
package agent

import (
	"context"
	"encoding/json"

	"github.com/lodestar-ai/lodestar/internal/schema"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// Capability is an abstract tag on a tool used for programmatic
// discovery and selection.
type Capability string

const (
	CapabilityQuery         Capability = "query"
	CapabilityModify        Capability = "modify"
	CapabilityRead          Capability = "read"
	CapabilityWrite         Capability = "write"
	CapabilitySearch        Capability = "search"
	CapabilityFileOperation Capability = "file_operation"
	CapabilityCodeExecution Capability = "code_execution"
	CapabilityWebAccess     Capability = "web_access"
	CapabilityExternal      Capability = "external"
	CapabilityMCP           Capability = "mcp"
)

// OutputUpdater receives streaming progress from a running tool. Calls
// are serialized per tool call.
type OutputUpdater func(chunk string)

// Tool is one capability the model can invoke.
//
// ShouldConfirmExecute returning nil means auto-proceed. Execute may
// return a ToolResult with a non-empty Error field or a Go error; the
// scheduler normalizes both into an error-terminal call.
type Tool interface {
	// Name is the stable identifier, unique within a registry.
	Name() string

	// DisplayName is the human-facing name used in confirmation prompts.
	DisplayName() string

	// Description is shown to the LLM.
	Description() string

	// ParameterSchema is the JSON-Schema for the tool's arguments.
	ParameterSchema() json.RawMessage

	// ValidateParams checks arguments before scheduling. Pure and cheap.
	ValidateParams(args map[string]any) error

	// GetDescription renders a one-line summary of this invocation for
	// confirmation prompts.
	GetDescription(args map[string]any) string

	// ShouldConfirmExecute decides whether the user must approve this
	// invocation. Implementations may auto-allow from trust lists.
	ShouldConfirmExecute(ctx context.Context, args map[string]any) (*models.ConfirmationDetails, error)

	// Execute runs the tool. It must honor ctx at every I/O point and
	// may stream progress through updateOutput when non-nil.
	Execute(ctx context.Context, args map[string]any, updateOutput OutputUpdater) (*models.ToolResult, error)
}

// StreamingTool is implemented by tools whose Execute produces
// incremental output worth surfacing while the call is executing.
type StreamingTool interface {
	Tool
	CanUpdateOutput() bool
}

// BaseTool supplies the declarative half of the Tool interface so
// implementations only write validation and execution.
type BaseTool struct {
	ToolName        string
	ToolDisplayName string
	ToolDescription string
	Schema          json.RawMessage
}

func (b *BaseTool) Name() string        { return b.ToolName }
func (b *BaseTool) Description() string { return b.ToolDescription }

func (b *BaseTool) DisplayName() string {
	if b.ToolDisplayName != "" {
		return b.ToolDisplayName
	}
	return b.ToolName
}

func (b *BaseTool) ParameterSchema() json.RawMessage { return b.Schema }

// ValidateParams checks args against the declared schema.
func (b *BaseTool) ValidateParams(args map[string]any) error {
	return schema.ValidateArgs(b.Schema, args)
}

// GetDescription defaults to the tool's display name; tools with
// interesting arguments override this.
func (b *BaseTool) GetDescription(args map[string]any) string {
	return b.DisplayName()
}

// ShouldConfirmExecute defaults to auto-proceed.
func (b *BaseTool) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*models.ConfirmationDetails, error) {
	return nil, nil
}
