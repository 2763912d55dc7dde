// Package main provides the CLI entry point for Lodestar, an interactive
// LLM agent with tool execution.
//
// # Basic Usage
//
// Start an interactive session:
//
//	lodestar chat
//
// Run a single prompt:
//
//	lodestar chat "summarize the files in this directory"
//
// Manage MCP servers:
//
//	lodestar mcp add github --command npx --args -y,@modelcontextprotocol/server-github
//	lodestar mcp list
//	lodestar mcp status
//
// # Environment Variables
//
//   - LODESTAR_CONFIG: Path to configuration file
//   - LODESTAR_MCP_SERVERS: JSON object of MCP server configs
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lodestar-ai/lodestar/internal/config"
	"github.com/lodestar-ai/lodestar/internal/observability"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var workspaceDir string

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lodestar",
		Short: "Lodestar - interactive LLM agent with tool execution",
		Long: `Lodestar streams model responses, executes the tools the model
requests, and feeds the results back until the task is done.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Tools are supplied by MCP servers configured per workspace.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "Workspace directory (default: current directory)")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildMcpCmd(),
	)
	return rootCmd
}

// resolveWorkspace returns the workspace directory, defaulting to the
// current directory.
func resolveWorkspace() string {
	if workspaceDir != "" {
		return workspaceDir
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// loadConfigAndLogger resolves the workspace config and builds the
// application logger from its logging section.
func loadConfigAndLogger() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadDefault(resolveWorkspace())
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
