package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	config := t.TempDir()
	workdir := t.TempDir()
	t.Setenv(EnvSystemMD, "")
	t.Setenv(EnvProjectPrompt, "")
	return &Manager{ConfigDir: config, Workdir: workdir}, config, workdir
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCoreSystemPromptDefault(t *testing.T) {
	m, _, _ := newTestManager(t)

	got, err := m.CoreSystemPrompt("")
	if err != nil {
		t.Fatalf("core prompt: %v", err)
	}
	if !strings.Contains(got, "interactive assistant") {
		t.Error("default prompt missing")
	}
	if !strings.Contains(got, "System: ") {
		t.Error("platform suffix missing")
	}
	if strings.Contains(got, "\n---\n") {
		t.Error("memory separator present without memory")
	}
}

func TestCoreSystemPromptMemorySuffix(t *testing.T) {
	m, _, _ := newTestManager(t)

	got, err := m.CoreSystemPrompt("  remember: user prefers tabs  ")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "---\n\nremember: user prefers tabs") {
		t.Errorf("memory suffix not appended trimmed:\n%s", got)
	}
}

func TestCoreSystemPromptFileOverride(t *testing.T) {
	m, config, _ := newTestManager(t)

	override := filepath.Join(config, "custom.md")
	write(t, override, "CUSTOM CORE")
	t.Setenv(EnvSystemMD, override)

	got, err := m.CoreSystemPrompt("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "CUSTOM CORE") {
		t.Errorf("override not used:\n%s", got)
	}
}

func TestCoreSystemPromptConfigDirOverride(t *testing.T) {
	m, config, _ := newTestManager(t)

	write(t, filepath.Join(config, "system.md"), "FROM CONFIG DIR")
	t.Setenv(EnvSystemMD, "1")

	got, err := m.CoreSystemPrompt("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "FROM CONFIG DIR") {
		t.Errorf("config-dir override not used:\n%s", got)
	}
}

func TestCoreSystemPromptMissingOverrideFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	t.Setenv(EnvSystemMD, "/nonexistent/system.md")

	if _, err := m.CoreSystemPrompt(""); err == nil {
		t.Fatal("missing override file must fail, not fall back")
	}
}

func TestProjectPromptFromWorkdir(t *testing.T) {
	m, _, workdir := newTestManager(t)
	write(t, filepath.Join(workdir, "PROJECT.md"), "project rules here")

	got, err := m.CoreSystemPrompt("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "project rules here") {
		t.Error("project prompt not layered in")
	}
	if !strings.Contains(got, "Project instructions") {
		t.Error("project prompt source header missing")
	}
}

func TestProjectPromptEnvWins(t *testing.T) {
	m, _, workdir := newTestManager(t)
	write(t, filepath.Join(workdir, "PROJECT.md"), "from file")
	override := filepath.Join(workdir, "other.md")
	write(t, override, "from env")
	t.Setenv(EnvProjectPrompt, override)

	got, _ := m.CoreSystemPrompt("")
	if !strings.Contains(got, "from env") {
		t.Error("env-designated project prompt not preferred")
	}
}

func TestProjectPromptAgentFallback(t *testing.T) {
	m, _, workdir := newTestManager(t)
	write(t, filepath.Join(workdir, "AGENT.md"), "agent fallback")

	got, _ := m.CoreSystemPrompt("")
	if !strings.Contains(got, "agent fallback") {
		t.Error("AGENT.md fallback not used")
	}
}

func TestProjectRootDiscovery(t *testing.T) {
	m, _, workdir := newTestManager(t)
	nested := filepath.Join(workdir, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(workdir, ".env"), "X=1")
	write(t, filepath.Join(workdir, "PROJECT.md"), "root project prompt")
	m.Workdir = nested

	if got := m.projectRoot(); got != workdir {
		t.Errorf("projectRoot() = %q, want %q", got, workdir)
	}
	prompt, _ := m.CoreSystemPrompt("")
	if !strings.Contains(prompt, "root project prompt") {
		t.Error("project prompt from discovered root not loaded")
	}
}

func TestLoadMemoryHierarchy(t *testing.T) {
	m, config, workdir := newTestManager(t)
	nested := filepath.Join(workdir, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(workdir, ".env"), "X=1")
	write(t, filepath.Join(config, "LODESTAR.md"), "user memory")
	write(t, filepath.Join(workdir, "LODESTAR.md"), "root memory")
	write(t, filepath.Join(nested, "LODESTAR.md"), "leaf memory")
	m.Workdir = nested

	memory := m.LoadMemory()
	userIdx := strings.Index(memory, "user memory")
	rootIdx := strings.Index(memory, "root memory")
	leafIdx := strings.Index(memory, "leaf memory")
	if userIdx < 0 || rootIdx < 0 || leafIdx < 0 {
		t.Fatalf("memory fragments missing:\n%s", memory)
	}
	if !(userIdx < rootIdx && rootIdx < leafIdx) {
		t.Errorf("order wrong, want user < root < leaf:\n%s", memory)
	}
	if !strings.Contains(memory, "--- Context from: ") {
		t.Error("source markers missing")
	}
}

func TestLoadMemoryEmpty(t *testing.T) {
	m, _, _ := newTestManager(t)
	if got := m.LoadMemory(); got != "" {
		t.Errorf("empty hierarchy returned %q", got)
	}
}

func TestEnvironmentBlock(t *testing.T) {
	m, _, workdir := newTestManager(t)
	write(t, filepath.Join(workdir, "main.go"), "package main")
	if err := os.MkdirAll(filepath.Join(workdir, "internal"), 0o755); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	block := m.EnvironmentBlock(now)

	for _, want := range []string{
		"Tuesday, June 3, 2025",
		"Working directory: " + workdir,
		"main.go",
		"internal/",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("environment block missing %q:\n%s", want, block)
		}
	}
}

func TestEnvironmentBlockTruncation(t *testing.T) {
	m, _, workdir := newTestManager(t)
	for i := 0; i < maxListedEntries+10; i++ {
		write(t, filepath.Join(workdir, fmt.Sprintf("file-%03d.txt", i)), "x")
	}

	block := m.EnvironmentBlock(time.Now())
	if !strings.Contains(block, "(truncated at") {
		t.Error("listing not truncated")
	}
	if strings.Count(block, "file-") > maxListedEntries {
		t.Errorf("listing exceeds cap: %d entries", strings.Count(block, "file-"))
	}
}
