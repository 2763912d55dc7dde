package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodestar-ai/lodestar/internal/agent"
	"github.com/lodestar-ai/lodestar/internal/mcp"
	"github.com/lodestar-ai/lodestar/internal/observability"
)

// buildMcpCmd creates the "mcp" command group for MCP server management.
func buildMcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage MCP servers",
		Long: `Manage MCP server configurations and inspect their tools.

Servers are stored in .lodestar/settings.json inside the workspace.
Settings merge across layers: system, user (~/.lodestar), workspace,
and the LODESTAR_MCP_SERVERS environment variable.`,
	}
	cmd.AddCommand(
		buildMcpAddCmd(),
		buildMcpRemoveCmd(),
		buildMcpListCmd(),
		buildMcpStatusCmd(),
		buildMcpToolsCmd(),
		buildMcpResourcesCmd(),
		buildMcpReadCmd(),
		buildMcpPromptsCmd(),
		buildMcpPromptCmd(),
	)
	return cmd
}

func buildMcpAddCmd() *cobra.Command {
	var (
		transport string
		command   string
		cmdArgs   []string
		url       string
		httpURL   string
		wsURL     string
		headers   []string
		env       []string
		timeout   time.Duration
		trust     bool
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an MCP server to the workspace settings",
		Long: `Add an MCP server to the workspace settings.

The transport is inferred from which endpoint flag is set: --command
means stdio, --url means SSE, --http-url means streamable HTTP, and
--ws-url means WebSocket. Use --transport to override.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &mcp.ServerConfig{
				Name:      args[0],
				Transport: mcp.TransportType(transport),
				Command:   command,
				Args:      cmdArgs,
				URL:       url,
				HTTPURL:   httpURL,
				WSURL:     wsURL,
				Timeout:   timeout,
				Trust:     trust,
			}
			var err error
			if cfg.Headers, err = parseKeyValues(headers); err != nil {
				return err
			}
			if cfg.Env, err = parseKeyValues(env); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := mcp.SaveServerConfig(resolveWorkspace(), cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added MCP server: %s (%s)\n", cfg.Name, cfg.EffectiveTransport())
			return nil
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "Transport (stdio, sse, http, ws)")
	cmd.Flags().StringVar(&command, "command", "", "Command to launch (stdio)")
	cmd.Flags().StringSliceVar(&cmdArgs, "args", nil, "Command arguments (stdio)")
	cmd.Flags().StringVar(&url, "url", "", "SSE endpoint URL")
	cmd.Flags().StringVar(&httpURL, "http-url", "", "Streamable HTTP endpoint URL")
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "WebSocket endpoint URL")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "HTTP header (key=value)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "Environment variable for the server process (key=value)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (default 10m)")
	cmd.Flags().BoolVar(&trust, "trust", false, "Skip execution confirmations for this server's tools")
	return cmd
}

func buildMcpRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an MCP server from the workspace settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := mcp.RemoveServerConfig(resolveWorkspace(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed MCP server: %s\n", args[0])
			return nil
		},
	}
}

func buildMcpListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			servers, err := mcp.LoadServerConfigs(resolveWorkspace())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(servers) == 0 {
				fmt.Fprintln(out, "No MCP servers configured.")
				return nil
			}
			names := make([]string, 0, len(servers))
			for name := range servers {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintln(out, "MCP servers:")
			for _, name := range names {
				cfg := servers[name]
				endpoint := cfg.Command
				if endpoint == "" {
					endpoint = cfg.URL + cfg.HTTPURL + cfg.WSURL
				}
				fmt.Fprintf(out, "  %s (%s) %s\n", name, cfg.EffectiveTransport(), endpoint)
			}
			return nil
		},
	}
}

func buildMcpStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect configured servers and report their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := connectAll(cmd)
			if err != nil {
				return err
			}
			defer manager.DisconnectAll()

			out := cmd.OutOrStdout()
			statuses := manager.Status()
			if len(statuses) == 0 {
				fmt.Fprintln(out, "No MCP servers configured.")
				return nil
			}
			sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
			for _, status := range statuses {
				fmt.Fprintf(out, "%s: %s", status.Name, status.State)
				if status.Error != "" {
					fmt.Fprintf(out, " (%s)", status.Error)
				}
				fmt.Fprintln(out)
				if status.State == mcp.StateConnected {
					fmt.Fprintf(out, "  %s %s | tools: %d, resources: %d, prompts: %d\n",
						status.Server.Name, status.Server.Version,
						status.Tools, status.Resources, status.Prompts)
				}
			}
			return nil
		},
	}
}

func buildMcpToolsCmd() *cobra.Command {
	var serverName string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List tools discovered from connected servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := connectAll(cmd)
			if err != nil {
				return err
			}
			defer manager.DisconnectAll()

			tools := manager.AllTools()
			out := cmd.OutOrStdout()
			if serverName != "" {
				list := tools[serverName]
				if len(list) == 0 {
					fmt.Fprintf(out, "No tools for %s\n", serverName)
					return nil
				}
				printTools(cmd, serverName, list)
				return nil
			}
			if len(tools) == 0 {
				fmt.Fprintln(out, "No tools available.")
				return nil
			}
			names := make([]string, 0, len(tools))
			for name := range tools {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				printTools(cmd, name, tools[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverName, "server", "", "Only show tools for this server")
	return cmd
}

func printTools(cmd *cobra.Command, server string, tools []*mcp.MCPTool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Tools for %s:\n", server)
	for _, tool := range tools {
		desc := tool.Description
		if len(desc) > 80 {
			desc = desc[:77] + "..."
		}
		fmt.Fprintf(out, "  - %s: %s\n", tool.Name, desc)
	}
}

func buildMcpResourcesCmd() *cobra.Command {
	var serverName string
	cmd := &cobra.Command{
		Use:   "resources",
		Short: "List resources exposed by connected servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := connectAll(cmd)
			if err != nil {
				return err
			}
			defer manager.DisconnectAll()

			resources := manager.AllResources()
			out := cmd.OutOrStdout()
			if serverName != "" {
				list := resources[serverName]
				if len(list) == 0 {
					fmt.Fprintf(out, "No resources for %s\n", serverName)
					return nil
				}
				printResources(cmd, serverName, list)
				return nil
			}
			if len(resources) == 0 {
				fmt.Fprintln(out, "No resources available.")
				return nil
			}
			names := make([]string, 0, len(resources))
			for name := range resources {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				printResources(cmd, name, resources[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverName, "server", "", "Only show resources for this server")
	return cmd
}

func printResources(cmd *cobra.Command, server string, resources []*mcp.MCPResource) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Resources for %s:\n", server)
	for _, res := range resources {
		fmt.Fprintf(out, "  - %s (%s)", res.Name, res.URI)
		if res.MimeType != "" {
			fmt.Fprintf(out, " [%s]", res.MimeType)
		}
		fmt.Fprintln(out)
	}
}

func buildMcpReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <server> <uri>",
		Short: "Read a resource from a connected server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := connectAll(cmd)
			if err != nil {
				return err
			}
			defer manager.DisconnectAll()

			contents, err := manager.ReadResource(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, content := range contents {
				if content.Text != "" {
					fmt.Fprintln(out, content.Text)
					continue
				}
				fmt.Fprintf(out, "[binary %s, %d bytes base64]\n", content.MimeType, len(content.Blob))
			}
			return nil
		},
	}
}

func buildMcpPromptsCmd() *cobra.Command {
	var serverName string
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "List prompt templates exposed by connected servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := connectAll(cmd)
			if err != nil {
				return err
			}
			defer manager.DisconnectAll()

			prompts := manager.AllPrompts()
			out := cmd.OutOrStdout()
			if serverName != "" {
				list := prompts[serverName]
				if len(list) == 0 {
					fmt.Fprintf(out, "No prompts for %s\n", serverName)
					return nil
				}
				printPrompts(cmd, serverName, list)
				return nil
			}
			if len(prompts) == 0 {
				fmt.Fprintln(out, "No prompts available.")
				return nil
			}
			names := make([]string, 0, len(prompts))
			for name := range prompts {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				printPrompts(cmd, name, prompts[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverName, "server", "", "Only show prompts for this server")
	return cmd
}

func printPrompts(cmd *cobra.Command, server string, prompts []*mcp.MCPPrompt) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Prompts for %s:\n", server)
	for _, p := range prompts {
		var params []string
		for _, arg := range p.Arguments {
			name := arg.Name
			if arg.Required {
				name += "*"
			}
			params = append(params, name)
		}
		fmt.Fprintf(out, "  - %s(%s): %s\n", p.Name, strings.Join(params, ", "), p.Description)
	}
}

func buildMcpPromptCmd() *cobra.Command {
	var argValues []string
	cmd := &cobra.Command{
		Use:   "prompt <server> <name>",
		Short: "Expand a prompt template from a connected server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arguments, err := parseKeyValues(argValues)
			if err != nil {
				return err
			}
			manager, err := connectAll(cmd)
			if err != nil {
				return err
			}
			defer manager.DisconnectAll()

			result, err := manager.GetPrompt(cmd.Context(), args[0], args[1], arguments)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if result.Description != "" {
				fmt.Fprintf(out, "# %s\n", result.Description)
			}
			for _, msg := range result.Messages {
				fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Content.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&argValues, "arg", nil, "Prompt argument (key=value)")
	return cmd
}

// connectAll loads the merged server configs and connects everything.
// Individual connection failures land in the manager's per-server state
// rather than failing the command.
func connectAll(cmd *cobra.Command) (*mcp.Manager, error) {
	servers, err := mcp.LoadServerConfigs(resolveWorkspace())
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: "text"})
	manager := mcp.NewManager(agent.NewToolRegistry(), logger)
	manager.DiscoverAll(cmd.Context(), servers)
	return manager, nil
}

func parseKeyValues(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		key, value, found := strings.Cut(item, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid value %q, expected key=value", item)
		}
		out[strings.TrimSpace(key)] = value
	}
	return out, nil
}
