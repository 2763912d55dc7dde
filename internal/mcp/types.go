// Package mcp implements a Model Context Protocol client: transports,
// per-server connection lifecycle, and the adapter that surfaces remote
// tools in the local tool registry.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TransportType specifies the MCP transport protocol.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportSSE   TransportType = "sse"
	TransportHTTP  TransportType = "http"
	TransportWS    TransportType = "ws"
)

// DefaultCallTimeout bounds a single MCP request when the server config
// does not set one.
const DefaultCallTimeout = 10 * time.Minute

// ServerConfig holds the configuration for one MCP server. The transport
// is inferred from which endpoint fields are set when Transport is left
// empty: command means stdio, url means SSE, http_url means HTTP, ws_url
// means WebSocket.
type ServerConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Transport TransportType `yaml:"transport,omitempty" json:"transport,omitempty"`

	// Stdio transport
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`

	// SSE transport
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Streamable HTTP transport
	HTTPURL string `yaml:"http_url,omitempty" json:"httpUrl,omitempty"`

	// WebSocket transport
	WSURL string `yaml:"ws_url,omitempty" json:"wsUrl,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Timeout bounds each request to this server. Zero means
	// DefaultCallTimeout.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Trust skips execution confirmation for every tool on this server.
	Trust bool `yaml:"trust,omitempty" json:"trust,omitempty"`

	// IncludeTools, when non-empty, is an allowlist of tool names to
	// expose. ExcludeTools removes names and wins over IncludeTools.
	IncludeTools []string `yaml:"include_tools,omitempty" json:"includeTools,omitempty"`
	ExcludeTools []string `yaml:"exclude_tools,omitempty" json:"excludeTools,omitempty"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Disabled keeps the entry in config files without connecting it.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// EffectiveTransport resolves the transport, inferring from endpoint
// fields when not set explicitly.
func (c *ServerConfig) EffectiveTransport() TransportType {
	if c.Transport != "" {
		return c.Transport
	}
	switch {
	case c.Command != "":
		return TransportStdio
	case c.WSURL != "":
		return TransportWS
	case c.HTTPURL != "":
		return TransportHTTP
	case c.URL != "":
		return TransportSSE
	default:
		return TransportStdio
	}
}

// CallTimeout returns the per-request timeout for this server.
func (c *ServerConfig) CallTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultCallTimeout
}

// ToolAllowed applies the include/exclude filters to a raw tool name.
func (c *ServerConfig) ToolAllowed(name string) bool {
	for _, excluded := range c.ExcludeTools {
		if excluded == name {
			return false
		}
	}
	if len(c.IncludeTools) == 0 {
		return true
	}
	for _, included := range c.IncludeTools {
		if included == name {
			return true
		}
	}
	return false
}

// Validate checks the server configuration for completeness and obvious
// injection vectors.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("server name is required")
	}

	switch c.EffectiveTransport() {
	case TransportStdio:
		if err := c.validateStdioConfig(); err != nil {
			return fmt.Errorf("stdio config for %s: %w", c.Name, err)
		}
	case TransportSSE:
		if err := validateHTTPURL(c.URL); err != nil {
			return fmt.Errorf("sse config for %s: %w", c.Name, err)
		}
	case TransportHTTP:
		if err := validateHTTPURL(c.HTTPURL); err != nil {
			return fmt.Errorf("http config for %s: %w", c.Name, err)
		}
	case TransportWS:
		if c.WSURL == "" {
			return fmt.Errorf("ws config for %s: ws_url is required", c.Name)
		}
		if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
			return fmt.Errorf("ws config for %s: ws_url must start with ws:// or wss://", c.Name)
		}
	default:
		return fmt.Errorf("unknown transport %q for %s", c.Transport, c.Name)
	}

	return nil
}

func (c *ServerConfig) validateStdioConfig() error {
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if err := validatePath(c.Command, "command"); err != nil {
		return err
	}
	if c.Cwd != "" {
		if err := validatePath(c.Cwd, "cwd"); err != nil {
			return err
		}
	}
	for i, arg := range c.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}
	return nil
}

func validateHTTPURL(url string) error {
	if url == "" {
		return fmt.Errorf("URL is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return nil
}

// validatePath checks a path for traversal attacks. The raw path is
// inspected segment by segment: Clean would resolve "/tmp/../../etc"
// to "/etc" and hide the traversal.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
		}
	}
	return nil
}

// containsShellMetachars checks for shell metacharacters that could
// indicate command injection. Spaces and quotes stay legal since they
// are common in legitimate args.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// envVarPattern matches ${VAR} and $VAR references in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnv substitutes ${VAR} and $VAR from the process environment.
// Unset variables expand to the empty string.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		return os.Getenv(name)
	})
}

// ExpandEnv returns a copy of the config with environment references
// substituted in every string field.
func (c *ServerConfig) ExpandEnv() *ServerConfig {
	out := *c
	out.Command = expandEnv(c.Command)
	out.Cwd = expandEnv(c.Cwd)
	out.URL = expandEnv(c.URL)
	out.HTTPURL = expandEnv(c.HTTPURL)
	out.WSURL = expandEnv(c.WSURL)
	out.Args = make([]string, len(c.Args))
	for i, arg := range c.Args {
		out.Args[i] = expandEnv(arg)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = expandEnv(v)
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = expandEnv(v)
		}
	}
	return &out
}

// MCPTool represents a tool exposed by an MCP server.
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPResource represents a resource exposed by an MCP server.
type MCPResource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// MCPPrompt represents a prompt template exposed by an MCP server.
type MCPPrompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes a parameter for an MCP prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ResourceContent holds the content of an MCP resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // Base64 encoded
}

// PromptMessage represents a message in a prompt response.
type PromptMessage struct {
	Role    string         `json:"role"` // user | assistant
	Content MessageContent `json:"content"`
}

// MessageContent holds the content of a prompt message.
type MessageContent struct {
	Type     string           `json:"type"` // text | image | resource
	Text     string           `json:"text,omitempty"`
	Data     string           `json:"data,omitempty"`
	MimeType string           `json:"mimeType,omitempty"`
	Resource *ResourceContent `json:"resource,omitempty"`
}

// SamplingMessage represents a message for sampling requests.
type SamplingMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ModelPreferences describes preferred models for sampling.
type ModelPreferences struct {
	Hints []ModelHint `json:"hints,omitempty"`
}

// ModelHint suggests a model name.
type ModelHint struct {
	Name string `json:"name,omitempty"`
}

// SamplingRequest represents a server-initiated sampling request.
type SamplingRequest struct {
	Messages     []SamplingMessage `json:"messages"`
	ModelPrefs   *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Model        string            `json:"model,omitempty"`
}

// SamplingResponse represents a client response to a sampling request.
type SamplingResponse struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stopReason,omitempty"`
}

// ToolCallResult holds the result of calling an MCP tool.
type ToolCallResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds a piece of content from a tool result.
type ToolResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// JSON-RPC types

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCNotification is a JSON-RPC 2.0 notification (no ID).
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCP-specific error codes
const (
	ErrCodeResourceNotFound = -32001
	ErrCodeToolNotFound     = -32002
	ErrCodePromptNotFound   = -32003
)

// ServerInfo holds information about an MCP server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo holds information about the MCP client.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities holds the capabilities of an MCP client or server.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Sampling  *SamplingCapability  `json:"sampling,omitempty"`
	Roots     *RootsCapability     `json:"roots,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource-related capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt-related capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability describes sampling-related capabilities.
type SamplingCapability struct{}

// RootsCapability describes roots-related capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*MCPTool `json:"tools"`
}

// ListResourcesResult holds the result of resources/list.
type ListResourcesResult struct {
	Resources []*MCPResource `json:"resources"`
}

// ListPromptsResult holds the result of prompts/list.
type ListPromptsResult struct {
	Prompts []*MCPPrompt `json:"prompts"`
}

// ReadResourceResult holds the result of resources/read.
type ReadResourceResult struct {
	Contents []*ResourceContent `json:"contents"`
}

// GetPromptResult holds the result of prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
