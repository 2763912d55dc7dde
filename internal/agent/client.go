package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ai/lodestar/internal/signal"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// MaxTurnsCeiling is the absolute bound on continuation turns for one
// prompt, whatever the caller asks for.
const MaxTurnsCeiling = 100

// schedulerWaitWarn is how long the client waits on the completion
// callback before logging. A safety net for stuck tools, not a
// correctness bound; the wait itself only ends on completion or abort.
const schedulerWaitWarn = 30 * time.Second

const schedulerPollInterval = 100 * time.Millisecond

// continuePrompt is the synthetic user message that keeps the model
// going when the next-speaker check says it has more to do.
const continuePrompt = "Please continue."

// ClientOptions configures a Client.
type ClientOptions struct {
	Model     string
	MaxTokens int
	System    string

	// MaxSessionTurns bounds model calls across the whole session.
	// Zero or negative means unlimited.
	MaxSessionTurns int

	// DisableNextSpeaker skips the follow-up model call after responses
	// that requested no tools.
	DisableNextSpeaker bool

	Compression CompressionConfig

	// OnToolExecution is forwarded to the scheduler for metrics.
	OnToolExecution func(name string, status ToolCallStatus, d time.Duration)

	Logger *slog.Logger
}

// Client glues Chat, Turn, and the ToolScheduler into the recursive
// agent loop: stream a model response, execute the tools it asked for,
// feed the results back, repeat until the model stops asking.
type Client struct {
	provider  LLMProvider
	registry  *ToolRegistry
	chat      *Chat
	scheduler *ToolScheduler
	opts      ClientOptions
	logger    *slog.Logger

	completedCh chan []CompletedToolCall

	// updatesCh carries scheduler snapshots to the event forwarder with
	// latest-wins coalescing. Scheduler callbacks must never block on the
	// event consumer: a host may answer a confirmation synchronously from
	// its event loop, and the update emitted inside
	// HandleConfirmationResponse would then deadlock against it.
	updatesCh chan []ToolCallSnapshot

	mu           sync.Mutex
	sessionTurns int
	abort        *signal.Controller
	emit         func(Event)
}

// NewClient creates a client with a fresh chat and its own scheduler.
func NewClient(provider LLMProvider, registry *ToolRegistry, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		provider: provider,
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "client"),
		chat: NewChat(provider, ChatOptions{
			Model:     opts.Model,
			MaxTokens: opts.MaxTokens,
			Logger:    logger,
		}),
		completedCh: make(chan []CompletedToolCall, 1),
		updatesCh:   make(chan []ToolCallSnapshot, 1),
	}
	c.scheduler = NewToolScheduler(registry, SchedulerOptions{
		OnAllToolsComplete: func(done []CompletedToolCall) {
			select {
			case c.completedCh <- done:
			default:
				c.logger.Warn("dropping unconsumed tool batch", "calls", len(done))
			}
		},
		OnToolCallsUpdate: c.forwardToolCallsUpdate,
		OnToolExecution:   opts.OnToolExecution,
		Logger:            logger,
	})
	return c
}

// Chat exposes the conversation history.
func (c *Client) Chat() *Chat { return c.chat }

// Scheduler exposes the tool scheduler so hosts can answer
// confirmations.
func (c *Client) Scheduler() *ToolScheduler { return c.scheduler }

// Abort cancels the in-flight stream and everything under it.
func (c *Client) Abort() {
	c.mu.Lock()
	abort := c.abort
	c.mu.Unlock()
	if abort != nil {
		abort.Abort()
	}
	c.scheduler.CancelAll()
}

// forwardToolCallsUpdate hands a snapshot to the event forwarder without
// blocking. A newer snapshot replaces an undelivered older one; every
// snapshot is full state, so latest-wins loses nothing.
func (c *Client) forwardToolCallsUpdate(snaps []ToolCallSnapshot) {
	for {
		select {
		case c.updatesCh <- snaps:
			return
		default:
			select {
			case <-c.updatesCh:
			default:
			}
		}
	}
}

// SendMessageStream runs the full agent loop for one user prompt and
// streams events. maxTurns bounds continuation turns for this prompt
// and is clamped to MaxTurnsCeiling; zero or negative selects the
// ceiling. The channel closes when the loop ends for any reason.
func (c *Client) SendMessageStream(ctx context.Context, parts []models.Part, promptID string, maxTurns int) <-chan Event {
	if promptID == "" {
		promptID = uuid.NewString()
	}
	if maxTurns <= 0 || maxTurns > MaxTurnsCeiling {
		maxTurns = MaxTurnsCeiling
	}

	abort := signal.NewControllerWithParent(ctx)
	out := make(chan Event)

	c.mu.Lock()
	c.abort = abort
	c.emit = func(ev Event) {
		select {
		case out <- ev:
		case <-abort.Done():
		}
	}
	emit := c.emit
	c.mu.Unlock()

	// Drop a snapshot left over from an aborted prompt.
	select {
	case <-c.updatesCh:
	default:
	}

	stopForward := make(chan struct{})
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for {
			select {
			case snaps := <-c.updatesCh:
				emit(Event{Type: EventToolCallsUpdate, ToolCalls: snaps})
			case <-stopForward:
				return
			}
		}
	}()

	go func() {
		defer func() {
			c.mu.Lock()
			c.emit = nil
			c.mu.Unlock()
			close(stopForward)
			<-forwardDone
			close(out)
		}()
		c.run(abort.Context(), emit, parts, promptID, maxTurns)
	}()
	return out
}

func (c *Client) run(ctx context.Context, emit func(Event), parts []models.Part, promptID string, turnsLeft int) {
	maxTurns := turnsLeft

	// Drop any batch left over from an aborted prompt.
	select {
	case <-c.completedCh:
	default:
	}

	if info, err := TryCompress(ctx, c.chat, c.provider, c.opts.Model, c.opts.Compression, false, c.logger); err != nil {
		c.logger.Warn("history compression failed", "error", err)
	} else if info.Compressed {
		c.logger.Debug("compressed before prompt",
			"original_tokens", info.OriginalTokenCount, "new_tokens", info.NewTokenCount)
	}

	content := models.UserContent(parts...)
	for {
		if ctx.Err() != nil {
			return
		}
		if turnsLeft <= 0 {
			emit(ErrorEvent(fmt.Errorf("%w after %d turns", ErrMaxTurns, maxTurns)))
			return
		}
		turnsLeft--

		c.mu.Lock()
		c.sessionTurns++
		sessionTurns := c.sessionTurns
		c.mu.Unlock()
		if c.opts.MaxSessionTurns > 0 && sessionTurns > c.opts.MaxSessionTurns {
			emit(ErrorEvent(fmt.Errorf("%w: session limit %d", ErrMaxTurns, c.opts.MaxSessionTurns)))
			return
		}

		turn := NewTurn(c.chat, promptID)
		events, err := turn.Run(ctx, content, c.opts.System, c.registry.FunctionDeclarations())
		if err != nil {
			emit(ErrorEvent(&LoopError{Phase: PhaseStream, Turn: sessionTurns, Message: "starting model stream", Cause: err}))
			return
		}
		streamFailed := false
		for ev := range events {
			emit(ev)
			if ev.Type == EventError {
				streamFailed = true
			}
		}
		if streamFailed || ctx.Err() != nil {
			return
		}

		pending := turn.PendingToolCalls()
		if len(pending) == 0 {
			if c.opts.DisableNextSpeaker {
				return
			}
			next := CheckNextSpeaker(ctx, c.chat, c.provider, c.opts.Model, c.logger)
			if next != SpeakerModel {
				return
			}
			content = models.UserContent(models.TextPart(continuePrompt))
			continue
		}

		if err := c.scheduler.Schedule(ctx, pending); err != nil {
			emit(ErrorEvent(&LoopError{Phase: PhaseScheduleTools, Turn: sessionTurns, Message: "scheduling tool calls", Cause: err}))
			return
		}
		completed, ok := c.waitForTools(ctx)
		if !ok {
			emit(ErrorEvent(signal.ErrAborted))
			return
		}

		var responseParts []models.Part
		for _, call := range completed {
			responseParts = append(responseParts, call.Response.Parts...)
		}
		content = models.FunctionContent(responseParts...)
	}
}

// waitForTools blocks until the scheduler delivers the completed batch
// or the context aborts. Long waits are logged at intervals so stuck
// tools are visible.
func (c *Client) waitForTools(ctx context.Context) ([]CompletedToolCall, bool) {
	ticker := time.NewTicker(schedulerPollInterval)
	defer ticker.Stop()
	start := time.Now()
	warned := time.Duration(0)

	for {
		select {
		case done := <-c.completedCh:
			return done, true
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			if waited := time.Since(start); waited-warned >= schedulerWaitWarn {
				warned = waited
				c.logger.Warn("still waiting for tool batch",
					"waited", waited.Round(time.Second),
					"calls", len(c.scheduler.Snapshot()))
			}
		}
	}
}
