package mcp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSettings(t *testing.T, dir, content string) {
	t.Helper()
	settingsDir := filepath.Join(dir, settingsDirName)
	if err := os.MkdirAll(settingsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(settingsDir, settingsFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadServerConfigsLayering(t *testing.T) {
	home := t.TempDir()
	workspace := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvServersVar, "")

	writeSettings(t, home, `{"mcpServers":{
		"fs": {"command": "user-fs"},
		"github": {"command": "mcp-github"}
	}}`)
	writeSettings(t, workspace, `{"mcpServers":{
		"fs": {"command": "workspace-fs"}
	}}`)

	configs, err := LoadServerConfigs(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("got %d servers, want 2", len(configs))
	}
	if configs["fs"].Command != "workspace-fs" {
		t.Errorf("workspace layer did not override user layer: %q", configs["fs"].Command)
	}
	if configs["github"].Command != "mcp-github" {
		t.Errorf("user layer entry lost: %+v", configs["github"])
	}
	if configs["fs"].Name != "fs" {
		t.Errorf("map key not propagated to Name: %q", configs["fs"].Name)
	}
}

func TestLoadServerConfigsEnvLayer(t *testing.T) {
	home := t.TempDir()
	workspace := t.TempDir()
	t.Setenv("HOME", home)

	writeSettings(t, workspace, `{"mcpServers":{"fs": {"command": "file-fs"}}}`)
	t.Setenv(EnvServersVar, `{"fs": {"command": "env-fs"}, "extra": {"url": "https://example.com/mcp"}}`)

	configs, err := LoadServerConfigs(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if configs["fs"].Command != "env-fs" {
		t.Errorf("env layer did not override files: %q", configs["fs"].Command)
	}
	if configs["extra"] == nil || configs["extra"].URL != "https://example.com/mcp" {
		t.Errorf("env-only server missing: %+v", configs["extra"])
	}
}

func TestLoadServerConfigsDropsDisabled(t *testing.T) {
	home := t.TempDir()
	workspace := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvServersVar, "")

	writeSettings(t, home, `{"mcpServers":{"fs": {"command": "user-fs"}}}`)
	writeSettings(t, workspace, `{"mcpServers":{"fs": {"command": "user-fs", "disabled": true}}}`)

	configs, err := LoadServerConfigs(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := configs["fs"]; ok {
		t.Error("disabled server survived merging")
	}
}

func TestLoadServerConfigsMalformedFileFails(t *testing.T) {
	home := t.TempDir()
	workspace := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvServersVar, "")

	writeSettings(t, workspace, `{not json`)

	if _, err := LoadServerConfigs(workspace); err == nil {
		t.Fatal("malformed settings file must fail loudly")
	}
}

func TestSaveAndRemoveServerConfig(t *testing.T) {
	home := t.TempDir()
	workspace := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvServersVar, "")

	cfg := &ServerConfig{Name: "github", Command: "mcp-github", Args: []string{"--stdio"}}
	if err := SaveServerConfig(workspace, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	configs, err := LoadServerConfigs(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	saved := configs["github"]
	if saved == nil || saved.Command != "mcp-github" || len(saved.Args) != 1 {
		t.Fatalf("round trip lost data: %+v", saved)
	}

	if err := RemoveServerConfig(workspace, "github"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	configs, err = LoadServerConfigs(workspace)
	if err != nil {
		t.Fatalf("load after remove: %v", err)
	}
	if _, ok := configs["github"]; ok {
		t.Error("server still present after removal")
	}

	// Removing an absent server is a no-op.
	if err := RemoveServerConfig(workspace, "nope"); err != nil {
		t.Errorf("remove absent: %v", err)
	}
}

func TestSaveServerConfigPreservesOtherSettings(t *testing.T) {
	workspace := t.TempDir()
	writeSettings(t, workspace, `{"theme": "dark", "mcpServers": {"fs": {"command": "mcp-fs"}}}`)

	if err := SaveServerConfig(workspace, &ServerConfig{Name: "github", Command: "mcp-github"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(WorkspaceSettingsPath(workspace))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{`"theme"`, `"fs"`, `"github"`} {
		if !strings.Contains(content, want) {
			t.Errorf("settings file lost %s: %s", want, content)
		}
	}
}
