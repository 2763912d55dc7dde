package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Settings layering, lowest precedence first: system, user, workspace,
// the LODESTAR_MCP_SERVERS environment variable, then runtime additions
// made through the manager. Later layers override earlier ones by
// server name; entries marked disabled are removed after merging.

// EnvServersVar holds a JSON object of server configs keyed by name.
const EnvServersVar = "LODESTAR_MCP_SERVERS"

const (
	systemSettingsPath = "/etc/lodestar/settings.json"
	settingsDirName    = ".lodestar"
	settingsFileName   = "settings.json"
)

// settingsFile is the on-disk shape shared by every layer.
type settingsFile struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers,omitempty"`
}

// UserSettingsPath returns the per-user settings file location.
func UserSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, settingsDirName, settingsFileName)
}

// WorkspaceSettingsPath returns the settings file location inside a
// workspace directory.
func WorkspaceSettingsPath(workspaceDir string) string {
	return filepath.Join(workspaceDir, settingsDirName, settingsFileName)
}

// LoadServerConfigs merges every configuration layer for a workspace.
// Missing files are skipped; a malformed file is an error so typos do
// not silently drop servers.
func LoadServerConfigs(workspaceDir string) (map[string]*ServerConfig, error) {
	merged := make(map[string]*ServerConfig)

	paths := []string{systemSettingsPath, UserSettingsPath()}
	if workspaceDir != "" {
		paths = append(paths, WorkspaceSettingsPath(workspaceDir))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		layer, err := readSettingsLayer(path)
		if err != nil {
			return nil, err
		}
		mergeServers(merged, layer)
	}

	if raw := os.Getenv(EnvServersVar); raw != "" {
		var layer map[string]*ServerConfig
		if err := json.Unmarshal([]byte(raw), &layer); err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvServersVar, err)
		}
		mergeServers(merged, layer)
	}

	// Disabled entries are dropped after merging so a workspace layer
	// can switch off a server defined at the user level.
	for name, cfg := range merged {
		if cfg.Disabled {
			delete(merged, name)
		}
	}
	return merged, nil
}

func readSettingsLayer(path string) (map[string]*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var file settingsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return file.MCPServers, nil
}

func mergeServers(dst map[string]*ServerConfig, src map[string]*ServerConfig) {
	for name, cfg := range src {
		if cfg == nil {
			continue
		}
		copied := *cfg
		copied.Name = name
		dst[name] = &copied
	}
}

// SaveServerConfig persists one server into the workspace settings
// file, creating the file and directory as needed. Other settings in
// the file are preserved.
func SaveServerConfig(workspaceDir string, cfg *ServerConfig) error {
	path := WorkspaceSettingsPath(workspaceDir)

	var raw map[string]json.RawMessage
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if raw == nil {
		raw = make(map[string]json.RawMessage)
	}

	servers := make(map[string]*ServerConfig)
	if existing, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(existing, &servers); err != nil {
			return fmt.Errorf("parse mcpServers in %s: %w", path, err)
		}
	}
	servers[cfg.Name] = cfg

	encoded, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("encode mcpServers: %w", err)
	}
	raw["mcpServers"] = encoded

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// RemoveServerConfig deletes one server from the workspace settings
// file. Removing an absent server is a no-op.
func RemoveServerConfig(workspaceDir, name string) error {
	path := WorkspaceSettingsPath(workspaceDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	servers := make(map[string]*ServerConfig)
	if existing, ok := raw["mcpServers"]; ok {
		if err := json.Unmarshal(existing, &servers); err != nil {
			return fmt.Errorf("parse mcpServers in %s: %w", path, err)
		}
	}
	if _, ok := servers[name]; !ok {
		return nil
	}
	delete(servers, name)

	encoded, err := json.Marshal(servers)
	if err != nil {
		return fmt.Errorf("encode mcpServers: %w", err)
	}
	raw["mcpServers"] = encoded

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}
