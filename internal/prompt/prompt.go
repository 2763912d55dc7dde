// Package prompt assembles the system prompt from its layers: the core
// prompt (overridable from disk), a project prompt file, hierarchical
// memory files, and the environment preamble.
package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	// EnvSystemMD overrides the core system prompt. "1"/"true" loads
	// <config dir>/system.md; any other non-empty, non-"0"/"false"
	// value is treated as a file path.
	EnvSystemMD = "LODESTAR_SYSTEM_MD"

	// EnvProjectPrompt points at a project prompt file and takes
	// priority over the on-disk search order.
	EnvProjectPrompt = "LODESTAR_PROJECT_PROMPT"

	configDirName   = ".lodestar"
	projectFileName = "PROJECT.md"
	agentFileName   = "AGENT.md"
	memoryFileName  = "LODESTAR.md"

	// maxRootSearchDepth bounds the upward walk when locating the
	// project root.
	maxRootSearchDepth = 10
)

// Manager loads and layers prompt material for a session.
type Manager struct {
	// ConfigDir is the per-user config directory. Empty means
	// ~/.lodestar.
	ConfigDir string

	// Workdir anchors project-root discovery. Empty means the process
	// working directory.
	Workdir string

	Logger *slog.Logger
}

// NewManager returns a Manager rooted at workdir.
func NewManager(workdir string) *Manager {
	return &Manager{Workdir: workdir, Logger: slog.Default().With("component", "prompt")}
}

func (m *Manager) configDir() string {
	if m.ConfigDir != "" {
		return m.ConfigDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return configDirName
	}
	return filepath.Join(home, configDirName)
}

func (m *Manager) workdir() string {
	if m.Workdir != "" {
		return m.Workdir
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// CoreSystemPrompt builds the full system prompt: base prompt, project
// prompt, platform suffix, then user memory separated by a rule.
func (m *Manager) CoreSystemPrompt(userMemory string) (string, error) {
	base, err := m.loadBasePrompt()
	if err != nil {
		return "", err
	}

	if project, source := m.loadProjectPrompt(); project != "" {
		base = fmt.Sprintf("%s\n\n# Project instructions (from %s)\n\n%s", base, source, project)
	}

	prompt := base + "\n\nSystem: " + runtime.GOOS + "/" + runtime.GOARCH

	if memory := strings.TrimSpace(userMemory); memory != "" {
		prompt += "\n\n---\n\n" + memory
	}
	return prompt, nil
}

// loadBasePrompt resolves the EnvSystemMD override or falls back to the
// built-in prompt. A configured override that points at a missing file
// is a hard error, not a silent fallback.
func (m *Manager) loadBasePrompt() (string, error) {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(EnvSystemMD)))
	if value == "" || value == "0" || value == "false" {
		return defaultSystemPrompt, nil
	}

	path := os.Getenv(EnvSystemMD)
	if value == "1" || value == "true" {
		path = filepath.Join(m.configDir(), "system.md")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("system prompt file %s: %w", path, err)
	}
	return string(data), nil
}

// loadProjectPrompt returns the first readable project prompt and where
// it came from. Search order: EnvProjectPrompt, project root and
// workdir PROJECT.md, workdir AGENT.md, workdir .lodestar/prompts.md,
// then the user config dir.
func (m *Manager) loadProjectPrompt() (string, string) {
	var candidates []string
	if env := os.Getenv(EnvProjectPrompt); env != "" {
		if filepath.IsAbs(env) {
			candidates = append(candidates, env)
		} else {
			candidates = append(candidates, filepath.Join(m.workdir(), env))
		}
	}

	workdir := m.workdir()
	root := m.projectRoot()
	candidates = append(candidates,
		filepath.Join(root, projectFileName),
		filepath.Join(workdir, projectFileName),
		filepath.Join(workdir, agentFileName),
		filepath.Join(workdir, configDirName, "prompts.md"),
		filepath.Join(m.configDir(), projectFileName),
	)

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content != "" {
			return content, path
		}
	}
	return "", ""
}

// projectRoot walks upward from the workdir looking for a directory
// that carries a .env or PROJECT.md marker. Without a marker the
// workdir itself is the root.
func (m *Manager) projectRoot() string {
	current := m.workdir()
	for i := 0; i < maxRootSearchDepth; i++ {
		if fileExists(filepath.Join(current, ".env")) || fileExists(filepath.Join(current, projectFileName)) {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return m.workdir()
}

// LoadMemory concatenates the hierarchical memory files: the user-level
// file in the config dir first, then LODESTAR.md files from the project
// root down to the workdir. Each fragment is prefixed with its source.
func (m *Manager) LoadMemory() string {
	paths := []string{filepath.Join(m.configDir(), memoryFileName)}

	root := m.projectRoot()
	workdir := m.workdir()
	var chain []string
	for current := workdir; ; current = filepath.Dir(current) {
		chain = append(chain, filepath.Join(current, memoryFileName))
		if current == root || filepath.Dir(current) == current || len(chain) > maxRootSearchDepth {
			break
		}
	}
	// Root-to-leaf order, so more specific files land later.
	for i := len(chain) - 1; i >= 0; i-- {
		paths = append(paths, chain[i])
	}

	var sections []string
	seen := map[string]bool{}
	for _, path := range paths {
		if seen[path] {
			continue
		}
		seen[path] = true
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("--- Context from: %s ---\n%s", path, content))
	}
	return strings.Join(sections, "\n\n")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
