package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lodestar-ai/lodestar/internal/agent"
	"github.com/lodestar-ai/lodestar/internal/agent/providers"
	"github.com/lodestar-ai/lodestar/internal/config"
	"github.com/lodestar-ai/lodestar/internal/mcp"
	"github.com/lodestar-ai/lodestar/internal/observability"
	"github.com/lodestar-ai/lodestar/internal/prompt"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// buildChatCmd creates the "chat" command. With no arguments it runs an
// interactive REPL; with an argument it runs one prompt and exits.
func buildChatCmd() *cobra.Command {
	var (
		providerName string
		model        string
		maxTurns     int
		noMCP        bool
	)
	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the agent",
		Long: `Chat with the agent. Without arguments an interactive session
starts; type "exit" or press Ctrl+D to leave. With a prompt argument a
single exchange runs and the command exits.

Ctrl+C aborts the in-flight response and running tools without ending
the session.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			session, err := newChatSession(cmd.Context(), cfg, logger, chatOptions{
				Provider: providerName,
				Model:    model,
				MaxTurns: maxTurns,
				NoMCP:    noMCP,
				Out:      cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			defer session.Close()

			if len(args) == 1 {
				return session.RunOnce(cmd.Context(), args[0])
			}
			return session.RunInteractive(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "LLM provider (anthropic, openai)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model name (default: provider default)")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "Maximum continuation turns per prompt")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "Skip MCP server discovery")
	return cmd
}

type chatOptions struct {
	Provider string
	Model    string
	MaxTurns int
	NoMCP    bool
	Out      io.Writer
}

// chatSession wires the provider, tool registry, MCP manager, and agent
// client together for one CLI invocation.
type chatSession struct {
	client       *agent.Client
	manager      *mcp.Manager
	metrics      *observability.Metrics
	opts         chatOptions
	logger       *slog.Logger
	providerName string
	model        string
	answered     map[string]bool
}

func newChatSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts chatOptions) (*chatSession, error) {
	name, providerCfg := cfg.Provider(opts.Provider)
	provider, err := buildProvider(name, providerCfg)
	if err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = providerCfg.DefaultModel
	}

	workspace := resolveWorkspace()
	prompts := prompt.NewManager(workspace)
	prompts.Logger = logger
	system, err := prompts.CoreSystemPrompt(prompts.LoadMemory())
	if err != nil {
		return nil, fmt.Errorf("build system prompt: %w", err)
	}
	system += "\n\n" + prompts.EnvironmentBlock(time.Now())

	metrics := observability.NewMetrics(nil)
	registry := agent.NewToolRegistry()

	manager := mcp.NewManager(registry, logger)
	manager.EnableSampling(mcp.ProviderSamplingHandler(provider, model))
	if !opts.NoMCP {
		servers, err := mcp.LoadServerConfigs(workspace)
		if err != nil {
			return nil, fmt.Errorf("load MCP config: %w", err)
		}
		manager.DiscoverAll(ctx, servers)
	}

	client := agent.NewClient(provider, registry, agent.ClientOptions{
		Model:              model,
		MaxTokens:          cfg.LLM.MaxTokens,
		System:             system,
		MaxSessionTurns:    cfg.Session.MaxSessionTurns,
		DisableNextSpeaker: cfg.Session.DisableNextSpeaker,
		Compression: agent.CompressionConfig{
			ContextLimit: cfg.Compression.ContextLimit,
			Threshold:    cfg.Compression.Threshold,
			Preserve:     cfg.Compression.Preserve,
		},
		OnToolExecution: func(name string, status agent.ToolCallStatus, d time.Duration) {
			metrics.RecordToolExecution(name, string(status), d.Seconds())
		},
		Logger: logger,
	})

	if opts.MaxTurns == 0 {
		opts.MaxTurns = cfg.Session.MaxTurns
	}
	return &chatSession{
		client:       client,
		manager:      manager,
		metrics:      metrics,
		opts:         opts,
		logger:       logger,
		providerName: name,
		model:        model,
		answered:     make(map[string]bool),
	}, nil
}

// buildProvider constructs the named LLM provider. API keys fall back to
// the conventional environment variables when the config leaves them
// empty.
func buildProvider(name string, cfg config.ProviderConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
		})
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: anthropic, openai)", name)
	}
}

func (s *chatSession) Close() {
	s.manager.DisconnectAll()
}

// RunOnce sends a single prompt and streams the response.
func (s *chatSession) RunOnce(ctx context.Context, text string) error {
	return s.sendPrompt(ctx, text)
}

// RunInteractive reads prompts from in until EOF or an exit command.
// SIGINT aborts the in-flight exchange but keeps the session alive.
func (s *chatSession) RunInteractive(ctx context.Context, in io.Reader) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			s.client.Abort()
		}
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.opts.Out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.opts.Out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.sendPrompt(ctx, line); err != nil {
			fmt.Fprintf(s.opts.Out, "error: %v\n", err)
		}
	}
}

// sendPrompt runs the full agent loop for one user prompt, rendering
// events as they arrive and answering confirmation requests from stdin.
func (s *chatSession) sendPrompt(ctx context.Context, text string) error {
	promptID := uuid.NewString()
	events := s.client.SendMessageStream(ctx, []models.Part{models.TextPart(text)}, promptID, s.opts.MaxTurns)

	status := "success"
	for ev := range events {
		switch ev.Type {
		case agent.EventContent:
			fmt.Fprint(s.opts.Out, ev.Text)
		case agent.EventThought:
			// Reasoning is shown dimly inline; it is not part of the answer.
			fmt.Fprintf(s.opts.Out, "\x1b[2m%s\x1b[0m", ev.Text)
		case agent.EventToolCallRequest:
			fmt.Fprintf(s.opts.Out, "\n[tool] %s\n", ev.Request.Name)
		case agent.EventToolCallsUpdate:
			s.handleToolCallsUpdate(ctx, ev.ToolCalls)
		case agent.EventTokenUsage:
			s.metrics.RecordLLMRequest(s.providerName, s.model, 0, ev.Usage.InputTokens, ev.Usage.OutputTokens)
		case agent.EventError:
			status = "error"
			fmt.Fprintf(s.opts.Out, "\nerror: %v\n", ev.Err)
		case agent.EventFinished:
			fmt.Fprintln(s.opts.Out)
		}
	}
	s.metrics.RecordTurn(s.model, status)
	return nil
}

// handleToolCallsUpdate answers confirmation requests. Each call is
// prompted at most once; repeated snapshots of the same pending call are
// ignored.
func (s *chatSession) handleToolCallsUpdate(ctx context.Context, calls []agent.ToolCallSnapshot) {
	for _, call := range calls {
		if call.Status != agent.StatusAwaitingApproval || call.Confirmation == nil {
			continue
		}
		if s.answered[call.Request.CallID] {
			continue
		}
		s.answered[call.Request.CallID] = true

		outcome := s.promptConfirmation(call)
		if err := s.client.Scheduler().HandleConfirmationResponse(ctx, call.Request.CallID, outcome, nil); err != nil {
			s.logger.Error("confirmation response failed", "call_id", call.Request.CallID, "error", err)
		}
	}
}

func (s *chatSession) promptConfirmation(call agent.ToolCallSnapshot) models.ConfirmationOutcome {
	details := call.Confirmation
	fmt.Fprintf(s.opts.Out, "\n%s\n", details.Title)
	if details.Description != "" {
		fmt.Fprintf(s.opts.Out, "  %s\n", details.Description)
	}
	fmt.Fprint(s.opts.Out, "Proceed? [y]es / [a]lways / [n]o: ")

	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return models.Cancel
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return models.ProceedOnce
	case "a", "always":
		return models.ProceedAlways
	default:
		return models.Cancel
	}
}
