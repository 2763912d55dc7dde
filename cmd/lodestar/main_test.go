package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lodestar-ai/lodestar/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	root := buildRootCmd()
	for _, name := range []string{"chat", "mcp"} {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestMcpAddListRemove(t *testing.T) {
	workspace := t.TempDir()
	t.Setenv("HOME", t.TempDir())
	defer func() { workspaceDir = "" }()

	out, err := execute(t, "-w", workspace, "mcp", "add", "github",
		"--command", "npx", "--args", "-y,@modelcontextprotocol/server-github",
		"--env", "GITHUB_TOKEN=abc")
	if err != nil {
		t.Fatalf("add: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Added MCP server: github (stdio)") {
		t.Errorf("add output: %s", out)
	}

	out, err = execute(t, "-w", workspace, "mcp", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "github (stdio) npx") {
		t.Errorf("list output: %s", out)
	}

	out, err = execute(t, "-w", workspace, "mcp", "remove", "github")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	out, err = execute(t, "-w", workspace, "mcp", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No MCP servers configured.") {
		t.Errorf("server not removed: %s", out)
	}
}

func TestMcpAddRejectsMissingEndpoint(t *testing.T) {
	workspace := t.TempDir()
	defer func() { workspaceDir = "" }()

	if _, err := execute(t, "-w", workspace, "mcp", "add", "broken"); err == nil {
		t.Fatal("add without endpoint must fail validation")
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"a=1", "b=x=y"})
	if err != nil {
		t.Fatal(err)
	}
	if got["a"] != "1" || got["b"] != "x=y" {
		t.Errorf("parsed = %v", got)
	}
	if _, err := parseKeyValues([]string{"novalue"}); err == nil {
		t.Error("missing = must fail")
	}
	if m, err := parseKeyValues(nil); err != nil || m != nil {
		t.Errorf("empty input = %v, %v", m, err)
	}
}

func TestBuildProviderUnknown(t *testing.T) {
	if _, err := buildProvider("mistral", config.ProviderConfig{}); err == nil {
		t.Fatal("unknown provider must error")
	}
}
