package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lodestar-ai/lodestar/internal/agent"
)

// ServerState is the connection lifecycle state of one server.
type ServerState string

const (
	StateDisconnected ServerState = "disconnected"
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateError        ServerState = "error"
)

// StatusListener observes server state changes.
type StatusListener func(serverName string, state ServerState, err error)

// Manager owns the set of MCP server connections, their lifecycle
// states, and the registration of discovered tools into the agent's
// tool registry.
type Manager struct {
	registry *agent.ToolRegistry
	trust    *TrustStore
	logger   *slog.Logger

	mu        sync.RWMutex
	configs   map[string]*ServerConfig
	clients   map[string]*Client
	states    map[string]ServerState
	lastErr   map[string]error
	exposed   map[string][]string // server -> registered tool names
	listeners []StatusListener
	sampling  SamplingHandler
}

// NewManager creates a manager that registers discovered tools into
// registry. A nil registry disables tool registration.
func NewManager(registry *agent.ToolRegistry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		trust:    NewTrustStore(),
		logger:   logger.With("component", "mcp"),
		configs:  make(map[string]*ServerConfig),
		clients:  make(map[string]*Client),
		states:   make(map[string]ServerState),
		lastErr:  make(map[string]error),
		exposed:  make(map[string][]string),
	}
}

// Trust exposes the session trust store.
func (m *Manager) Trust() *TrustStore { return m.trust }

// EnableSampling sets the handler for server-initiated sampling
// requests. It applies to servers connected after the call, so set it
// before DiscoverAll.
func (m *Manager) EnableSampling(handler SamplingHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sampling = handler
}

// OnStatusChange registers a lifecycle listener.
func (m *Manager) OnStatusChange(listener StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) setState(name string, state ServerState, err error) {
	m.mu.Lock()
	m.states[name] = state
	if err != nil {
		m.lastErr[name] = err
	} else if state == StateConnected {
		delete(m.lastErr, name)
	}
	listeners := append([]StatusListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(name, state, err)
	}
}

// State returns the lifecycle state of a server.
func (m *Manager) State(name string) ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.states[name]; ok {
		return state
	}
	return StateDisconnected
}

// AddServer validates and registers a server configuration, then
// connects it and exposes its tools. Adding a name that already exists
// replaces the old connection.
func (m *Manager) AddServer(ctx context.Context, cfg *ServerConfig) error {
	expanded := cfg.ExpandEnv()
	if err := expanded.Validate(); err != nil {
		return err
	}
	if expanded.Disabled {
		return fmt.Errorf("server %s is disabled", expanded.Name)
	}

	m.mu.Lock()
	_, existed := m.configs[expanded.Name]
	m.configs[expanded.Name] = expanded
	m.mu.Unlock()
	if existed {
		m.disconnect(expanded.Name)
	}

	return m.connect(ctx, expanded)
}

// RemoveServer disconnects a server and forgets its configuration.
func (m *Manager) RemoveServer(name string) {
	m.disconnect(name)
	m.mu.Lock()
	delete(m.configs, name)
	delete(m.states, name)
	delete(m.lastErr, name)
	m.mu.Unlock()
}

// connect dials one configured server and registers its tools.
func (m *Manager) connect(ctx context.Context, cfg *ServerConfig) error {
	m.setState(cfg.Name, StateConnecting, nil)

	client := NewClient(cfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		m.setState(cfg.Name, StateError, err)
		return fmt.Errorf("connect %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	m.clients[cfg.Name] = client
	sampling := m.sampling
	m.mu.Unlock()

	if sampling != nil {
		client.HandleSampling(sampling)
	}
	go m.watchEvents(cfg.Name, client)

	m.registerTools(cfg.Name, client)
	m.setState(cfg.Name, StateConnected, nil)
	m.logger.Info("MCP server ready",
		"server", cfg.Name,
		"tools", len(client.Tools()))
	return nil
}

// watchEvents consumes server notifications for one connection until
// the client closes its event channel. A tools/list_changed
// notification re-registers the server's tools; resource and prompt
// changes re-list capabilities only.
func (m *Manager) watchEvents(name string, client *Client) {
	for note := range client.Events() {
		switch note.Method {
		case "notifications/tools/list_changed":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := m.Refresh(ctx, name); err != nil {
				m.logger.Warn("tool list refresh failed", "server", name, "error", err)
			}
			cancel()
		case "notifications/resources/list_changed", "notifications/prompts/list_changed":
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := client.RefreshCapabilities(ctx); err != nil {
				m.logger.Warn("capability refresh failed", "server", name, "error", err)
			}
			cancel()
		default:
			m.logger.Debug("server notification", "server", name, "method", note.Method)
		}
	}
}

// registerTools wraps the client's discovered tools in adapters and
// places them in the registry, replacing any previous registration for
// this server.
func (m *Manager) registerTools(serverName string, client *Client) {
	if m.registry == nil {
		return
	}
	m.unregisterTools(serverName)

	var names []string
	for _, tool := range client.Tools() {
		adapter := NewToolAdapter(client, m.trust, tool)
		m.registry.Register(adapter, agent.RegisterOptions{
			Capabilities: adapter.Capabilities(),
			Tags:         []string{"mcp", serverName},
			Metadata:     map[string]any{"server": serverName, "tool": tool.Name},
		})
		names = append(names, adapter.Name())
	}

	m.mu.Lock()
	m.exposed[serverName] = names
	m.mu.Unlock()
}

func (m *Manager) unregisterTools(serverName string) {
	if m.registry == nil {
		return
	}
	m.mu.Lock()
	names := m.exposed[serverName]
	delete(m.exposed, serverName)
	m.mu.Unlock()

	for _, name := range names {
		m.registry.Unregister(name)
	}
}

// disconnect closes one server's connection and removes its tools.
func (m *Manager) disconnect(name string) {
	m.mu.Lock()
	client, ok := m.clients[name]
	delete(m.clients, name)
	m.mu.Unlock()

	m.unregisterTools(name)
	if ok {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close MCP client", "server", name, "error", err)
		}
	}
	m.setState(name, StateDisconnected, nil)
}

// DiscoverAll connects every configured server in parallel and returns
// after all attempts settle. Individual failures are recorded in the
// server's state, not returned.
func (m *Manager) DiscoverAll(ctx context.Context, configs map[string]*ServerConfig) {
	var wg sync.WaitGroup
	for name, cfg := range configs {
		if cfg.Disabled {
			m.logger.Debug("skipping disabled server", "server", name)
			continue
		}
		copied := *cfg
		copied.Name = name

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.AddServer(ctx, &copied); err != nil {
				m.logger.Error("MCP discovery failed", "server", copied.Name, "error", err)
			}
		}()
	}
	wg.Wait()
}

// DisconnectAll closes every connection.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.disconnect(name)
	}
}

// Client returns the client for a specific server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[name]
	return client, ok
}

// Refresh re-lists a connected server's capabilities and re-registers
// its tools. Used when the server signals a tool list change.
func (m *Manager) Refresh(ctx context.Context, name string) error {
	client, ok := m.Client(name)
	if !ok {
		return fmt.Errorf("server %q not connected", name)
	}
	if err := client.RefreshCapabilities(ctx); err != nil {
		return err
	}
	m.registerTools(name, client)
	return nil
}

// AllTools returns discovered tools grouped by server.
func (m *Manager) AllTools() map[string][]*MCPTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPTool)
	for name, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[name] = tools
		}
	}
	return result
}

// AllResources returns discovered resources grouped by server.
func (m *Manager) AllResources() map[string][]*MCPResource {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPResource)
	for name, client := range m.clients {
		if resources := client.Resources(); len(resources) > 0 {
			result[name] = resources
		}
	}
	return result
}

// AllPrompts returns discovered prompts grouped by server.
func (m *Manager) AllPrompts() map[string][]*MCPPrompt {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPPrompt)
	for name, client := range m.clients {
		if prompts := client.Prompts(); len(prompts) > 0 {
			result[name] = prompts
		}
	}
	return result
}

// ReadResource reads a resource from a specific server.
func (m *Manager) ReadResource(ctx context.Context, serverName string, uri string) ([]*ResourceContent, error) {
	client, ok := m.Client(serverName)
	if !ok {
		return nil, fmt.Errorf("server %q not connected", serverName)
	}
	return client.ReadResource(ctx, uri)
}

// GetPrompt gets a prompt from a specific server.
func (m *Manager) GetPrompt(ctx context.Context, serverName string, name string, arguments map[string]string) (*GetPromptResult, error) {
	client, ok := m.Client(serverName)
	if !ok {
		return nil, fmt.Errorf("server %q not connected", serverName)
	}
	return client.GetPrompt(ctx, name, arguments)
}

// ServerStatus describes one configured server for display.
type ServerStatus struct {
	Name      string      `json:"name"`
	State     ServerState `json:"state"`
	Error     string      `json:"error,omitempty"`
	Server    ServerInfo  `json:"server"`
	Tools     int         `json:"tools"`
	Resources int         `json:"resources"`
	Prompts   int         `json:"prompts"`
}

// Status returns the status of all known servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	for name := range m.configs {
		status := ServerStatus{
			Name:  name,
			State: m.states[name],
		}
		if err := m.lastErr[name]; err != nil {
			status.Error = err.Error()
		}
		if client, ok := m.clients[name]; ok {
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
			status.Resources = len(client.Resources())
			status.Prompts = len(client.Prompts())
		}
		statuses = append(statuses, status)
	}
	return statuses
}
