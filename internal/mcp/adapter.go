package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/lodestar-ai/lodestar/internal/agent"
	"github.com/lodestar-ai/lodestar/internal/schema"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// maxExposedNameLength caps tool names surfaced to the model. Longer
// names are squeezed to head + "___" + tail so they stay unique enough
// and still recognizable.
const maxExposedNameLength = 63

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ExposedToolName builds the registry-facing name for a server tool:
// invalid characters replaced, prefixed with the server name, truncated
// to the length cap.
func ExposedToolName(serverName, toolName string) string {
	name := invalidNameChars.ReplaceAllString(toolName, "_")
	full := invalidNameChars.ReplaceAllString(serverName, "_") + "__" + name
	if len(full) > maxExposedNameLength {
		full = full[:28] + "___" + full[len(full)-32:]
	}
	return full
}

// TrustStore records which servers and tools the user has approved for
// the rest of the session. Shared by all adapters under one manager.
type TrustStore struct {
	mu      sync.RWMutex
	servers map[string]struct{}
	tools   map[string]struct{}
}

// NewTrustStore creates an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{
		servers: make(map[string]struct{}),
		tools:   make(map[string]struct{}),
	}
}

// TrustServer marks every tool on a server as approved.
func (s *TrustStore) TrustServer(serverName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[serverName] = struct{}{}
}

// TrustTool marks one exposed tool name as approved.
func (s *TrustStore) TrustTool(exposedName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[exposedName] = struct{}{}
}

// IsTrusted reports whether the server or the specific tool has been
// approved.
func (s *TrustStore) IsTrusted(serverName, exposedName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.servers[serverName]; ok {
		return true
	}
	_, ok := s.tools[exposedName]
	return ok
}

// ToolAdapter exposes one MCP server tool as an agent.Tool. Execution
// proxies to the server; confirmation consults the server's trust flag
// and the session trust store.
type ToolAdapter struct {
	client      *Client
	trust       *TrustStore
	serverName  string
	rawName     string
	exposedName string
	description string
	inputSchema json.RawMessage
}

// NewToolAdapter wraps a discovered server tool.
func NewToolAdapter(client *Client, trust *TrustStore, tool *MCPTool) *ToolAdapter {
	serverName := client.Config().Name
	description := tool.Description
	if description == "" {
		description = fmt.Sprintf("Tool %q from MCP server %q", tool.Name, serverName)
	}
	return &ToolAdapter{
		client:      client,
		trust:       trust,
		serverName:  serverName,
		rawName:     tool.Name,
		exposedName: ExposedToolName(serverName, tool.Name),
		description: description,
		inputSchema: tool.InputSchema,
	}
}

// ServerName returns the owning server's configured name.
func (a *ToolAdapter) ServerName() string { return a.serverName }

func (a *ToolAdapter) Name() string { return a.exposedName }

func (a *ToolAdapter) DisplayName() string {
	return fmt.Sprintf("%s (%s MCP Server)", a.rawName, a.serverName)
}

func (a *ToolAdapter) Description() string { return a.description }

func (a *ToolAdapter) ParameterSchema() json.RawMessage { return a.inputSchema }

// ValidateParams checks arguments against the server-declared schema.
func (a *ToolAdapter) ValidateParams(args map[string]any) error {
	return schema.ValidateArgs(a.inputSchema, args)
}

func (a *ToolAdapter) GetDescription(args map[string]any) string {
	return a.DisplayName()
}

// ShouldConfirmExecute requires approval unless the server config is
// marked trusted or the session trust store already approves it.
func (a *ToolAdapter) ShouldConfirmExecute(ctx context.Context, args map[string]any) (*models.ConfirmationDetails, error) {
	if a.client.Config().Trust {
		return nil, nil
	}
	if a.trust != nil && a.trust.IsTrusted(a.serverName, a.exposedName) {
		return nil, nil
	}
	return &models.ConfirmationDetails{
		Type:       "mcp",
		Title:      "Confirm MCP Tool Execution",
		ServerName: a.serverName,
		ToolName:   a.rawName,
		Params:     args,
	}, nil
}

// HandleConfirmationOutcome records session-wide approvals.
func (a *ToolAdapter) HandleConfirmationOutcome(outcome models.ConfirmationOutcome, args map[string]any) {
	if a.trust == nil {
		return
	}
	switch outcome {
	case models.ProceedAlwaysServer:
		a.trust.TrustServer(a.serverName)
	case models.ProceedAlways, models.ProceedAlwaysTool:
		a.trust.TrustTool(a.exposedName)
	}
}

// Execute proxies the call to the server and flattens the result
// content into text.
func (a *ToolAdapter) Execute(ctx context.Context, args map[string]any, updateOutput agent.OutputUpdater) (*models.ToolResult, error) {
	result, err := a.client.CallTool(ctx, a.rawName, args)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", a.rawName, a.serverName, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("tool %s reported an error", a.rawName)
		}
		return models.ErrorResult(text), nil
	}
	return models.TextResult(text), nil
}

// Capabilities infers registry capabilities from the tool's name and
// description. Every MCP tool is external by definition.
func (a *ToolAdapter) Capabilities() []agent.Capability {
	caps := []agent.Capability{agent.CapabilityMCP, agent.CapabilityExternal}
	lowered := strings.ToLower(a.rawName + " " + a.description)

	for keyword, cap := range map[string]agent.Capability{
		"search": agent.CapabilitySearch,
		"query":  agent.CapabilityQuery,
		"read":   agent.CapabilityRead,
		"get":    agent.CapabilityRead,
		"list":   agent.CapabilityQuery,
		"write":  agent.CapabilityWrite,
		"create": agent.CapabilityModify,
		"update": agent.CapabilityModify,
		"delete": agent.CapabilityModify,
		"fetch":  agent.CapabilityWebAccess,
		"http":   agent.CapabilityWebAccess,
	} {
		if strings.Contains(lowered, keyword) {
			caps = appendCapability(caps, cap)
		}
	}
	return caps
}

func appendCapability(caps []agent.Capability, cap agent.Capability) []agent.Capability {
	for _, existing := range caps {
		if existing == cap {
			return caps
		}
	}
	return append(caps, cap)
}

// flattenContent concatenates tool result content into a single string,
// noting non-text pieces by type.
func flattenContent(content []ToolResultContent) string {
	var b strings.Builder
	for _, item := range content {
		switch item.Type {
		case "text":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(item.Text)
		case "image":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[image: %s]", item.MimeType)
		case "resource":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[resource: %s]", item.MimeType)
		}
	}
	return b.String()
}
