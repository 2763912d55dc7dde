package agent

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/lodestar-ai/lodestar/internal/observability"
	"github.com/lodestar-ai/lodestar/internal/signal"
	"github.com/lodestar-ai/lodestar/pkg/models"
)

// ToolCallStatus is the state of one call in the scheduler's machine.
type ToolCallStatus string

const (
	StatusValidating       ToolCallStatus = "validating"
	StatusScheduled        ToolCallStatus = "scheduled"
	StatusAwaitingApproval ToolCallStatus = "awaiting_approval"
	StatusExecuting        ToolCallStatus = "executing"
	StatusSuccess          ToolCallStatus = "success"
	StatusError            ToolCallStatus = "error"
	StatusCancelled        ToolCallStatus = "cancelled"
)

// IsTerminal reports whether the status can never be left.
func (s ToolCallStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// validSuccessors defines the legal transition edges.
var validSuccessors = map[ToolCallStatus][]ToolCallStatus{
	StatusValidating:       {StatusScheduled, StatusAwaitingApproval, StatusError},
	StatusScheduled:        {StatusExecuting, StatusCancelled},
	StatusAwaitingApproval: {StatusScheduled, StatusCancelled, StatusError},
	StatusExecuting:        {StatusSuccess, StatusError, StatusCancelled},
}

func canTransition(from, to ToolCallStatus) bool {
	for _, next := range validSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// cancelledByUserMessage is what the model sees when a confirmation is
// declined or the abort signal fires mid-batch.
const cancelledByUserMessage = "User cancelled the operation"

// toolCall is the scheduler's mutable record for one request. Snapshots
// of it are what listeners observe; the record itself never escapes the
// scheduler.
type toolCall struct {
	status       ToolCallStatus
	request      models.ToolCallRequest
	tool         Tool
	confirmation *models.ConfirmationDetails
	response     *models.ToolCallResponse
	startTime    time.Time
	durationMs   int64
	liveOutput   string
}

// ToolCallSnapshot is the listener-facing copy of a call's state.
type ToolCallSnapshot struct {
	Status       ToolCallStatus
	Request      models.ToolCallRequest
	Confirmation *models.ConfirmationDetails
	Response     *models.ToolCallResponse
	DurationMs   int64
	LiveOutput   string
}

// CompletedToolCall is one terminal call delivered by the completion
// sweep, in request order.
type CompletedToolCall struct {
	Status   ToolCallStatus
	Request  models.ToolCallRequest
	Response models.ToolCallResponse
	Duration time.Duration
}

// ConfirmationOutcomeHandler is implemented by tools that track approval
// state across calls (trust lists). The scheduler invokes it on every
// resolved confirmation before proceeding.
type ConfirmationOutcomeHandler interface {
	HandleConfirmationOutcome(outcome models.ConfirmationOutcome, args map[string]any)
}

// SchedulerOptions configures a ToolScheduler.
type SchedulerOptions struct {
	// OnAllToolsComplete fires exactly once per non-empty batch when
	// every call is terminal. Completed calls preserve request order.
	OnAllToolsComplete func(completed []CompletedToolCall)

	// OnToolCallsUpdate receives a snapshot after every state change.
	OnToolCallsUpdate func(calls []ToolCallSnapshot)

	// OnToolExecution observes terminal transitions for metrics.
	// Receives the tool name, terminal status, and call duration.
	OnToolExecution func(name string, status ToolCallStatus, d time.Duration)

	Logger *slog.Logger
}

// ToolScheduler drives a batch of tool calls through the
// validating → scheduled → awaiting_approval → executing state machine,
// executes approved calls concurrently, and fires a completion callback
// when the whole batch is terminal.
//
// The scheduler exclusively owns its call list. State transitions and the
// completion sweep run under one mutex so the sweep predicate is atomic
// with respect to concurrent executions finishing.
type ToolScheduler struct {
	registry *ToolRegistry
	opts     SchedulerOptions
	logger   *slog.Logger

	mu        sync.Mutex
	toolCalls []*toolCall
}

// NewToolScheduler creates a scheduler bound to a registry.
func NewToolScheduler(registry *ToolRegistry, opts SchedulerOptions) *ToolScheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolScheduler{
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "scheduler"),
	}
}

// IsRunning reports whether any call is executing or awaiting approval.
func (s *ToolScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *ToolScheduler) runningLocked() bool {
	for _, call := range s.toolCalls {
		if call.status == StatusExecuting || call.status == StatusAwaitingApproval {
			return true
		}
	}
	return false
}

// Schedule enters a batch of requests into the state machine. It fails
// fast if a previous batch is still running. An empty batch is a no-op:
// the scheduler stays quiescent and no completion callback fires.
func (s *ToolScheduler) Schedule(ctx context.Context, requests []models.ToolCallRequest) error {
	if len(requests) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.runningLocked() {
		s.mu.Unlock()
		return ErrSchedulerRunning
	}

	newCalls := make([]*toolCall, 0, len(requests))
	for _, req := range requests {
		call := &toolCall{request: req, startTime: time.Now()}
		tool, ok := s.registry.Get(req.Name)
		if !ok {
			call.status = StatusError
			call.response = errorResponse(req, fmt.Sprintf("Tool '%s' not found in registry", req.Name))
			call.durationMs = 0
		} else {
			call.status = StatusValidating
			call.tool = tool
		}
		newCalls = append(newCalls, call)
	}
	s.toolCalls = append(s.toolCalls, newCalls...)
	s.mu.Unlock()

	s.notifyUpdate()

	for _, call := range newCalls {
		if call.status != StatusValidating {
			continue
		}
		s.resolveValidating(ctx, call)
	}

	s.attemptExecutionOfScheduledCalls(ctx)
	s.checkAndNotifyCompletion()
	return nil
}

// resolveValidating runs validation and the confirmation decision for one
// freshly created call.
func (s *ToolScheduler) resolveValidating(ctx context.Context, call *toolCall) {
	if err := call.tool.ValidateParams(call.request.Args); err != nil {
		s.setError(call, fmt.Sprintf("Invalid parameters for tool '%s': %v", call.request.Name, err))
		return
	}

	details, err := call.tool.ShouldConfirmExecute(ctx, call.request.Args)
	if err != nil {
		s.setError(call, err.Error())
		return
	}

	s.mu.Lock()
	if details != nil {
		s.transitionLocked(call, StatusAwaitingApproval)
		call.confirmation = details
	} else {
		s.transitionLocked(call, StatusScheduled)
	}
	s.mu.Unlock()
	s.notifyUpdate()
}

// HandleConfirmationResponse resumes a call paused in awaiting_approval.
// Payload (from modify-with-editor) is merged into the request arguments
// before rescheduling.
func (s *ToolScheduler) HandleConfirmationResponse(ctx context.Context, callID string, outcome models.ConfirmationOutcome, payload map[string]any) error {
	s.mu.Lock()
	var call *toolCall
	for _, c := range s.toolCalls {
		if c.request.CallID == callID {
			call = c
			break
		}
	}
	if call == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if call.status != StatusAwaitingApproval {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrCallNotWaiting, callID, call.status)
	}

	aborted := ctx.Err() != nil
	switch {
	case outcome == models.Cancel || aborted:
		s.terminateLocked(call, StatusCancelled, errorResponse(call.request, cancelledByUserMessage))
	case outcome == models.ModifyWithEditor:
		if call.request.Args == nil {
			call.request.Args = make(map[string]any, len(payload))
		}
		for k, v := range payload {
			call.request.Args[k] = v
		}
		s.transitionLocked(call, StatusScheduled)
	default:
		s.transitionLocked(call, StatusScheduled)
	}
	tool := call.tool
	args := call.request.Args
	s.mu.Unlock()

	// Let trust-tracking tools observe the outcome before execution.
	if handler, ok := tool.(ConfirmationOutcomeHandler); ok && outcome != models.Cancel && !aborted {
		handler.HandleConfirmationOutcome(outcome, args)
	}

	s.notifyUpdate()
	s.attemptExecutionOfScheduledCalls(ctx)
	s.checkAndNotifyCompletion()
	return nil
}

// attemptExecutionOfScheduledCalls launches every scheduled call. Each
// execution runs in its own goroutine; there is no ordering between
// concurrent executions.
func (s *ToolScheduler) attemptExecutionOfScheduledCalls(ctx context.Context) {
	s.mu.Lock()
	var ready []*toolCall
	for _, call := range s.toolCalls {
		if call.status == StatusScheduled {
			s.transitionLocked(call, StatusExecuting)
			ready = append(ready, call)
		}
	}
	s.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	s.notifyUpdate()

	for _, call := range ready {
		go s.executeCall(ctx, call)
	}
}

// executeCall runs one tool and records the terminal transition.
func (s *ToolScheduler) executeCall(ctx context.Context, call *toolCall) {
	ctx, span := observability.StartSpan(ctx, "tool.execute",
		attribute.String("tool", call.request.Name),
		attribute.String("call_id", call.request.CallID))

	updater := s.outputUpdater(call)

	result, err := func() (result *models.ToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("tool panicked",
					"tool", call.request.Name,
					"call_id", call.request.CallID,
					"panic", r,
					"stack", string(debug.Stack()))
				err = fmt.Errorf("%w: %v", ErrToolPanic, r)
			}
		}()
		return call.tool.Execute(ctx, call.request.Args, updater)
	}()
	observability.EndSpan(span, err)

	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.checkAndNotifyCompletion()
	}()

	if call.status != StatusExecuting {
		// Already terminal (cancelled from outside while running).
		return
	}

	switch {
	case err != nil && (signal.IsAbort(err) || ctx.Err() != nil):
		s.terminateLocked(call, StatusCancelled, errorResponse(call.request, cancelledByUserMessage))
	case err != nil:
		toolErr := NewToolError(call.request.Name, err).WithToolCallID(call.request.CallID)
		s.logger.Error("tool execution failed",
			"tool", call.request.Name,
			"call_id", call.request.CallID,
			"error_type", toolErr.Type,
			"retryable", toolErr.Retryable,
			"error", err)
		resp := errorResponse(call.request, toolErr.Message)
		resp.Error = toolErr
		s.terminateLocked(call, StatusError, resp)
	case result != nil && result.Error != "":
		resp := errorResponse(call.request, result.Error)
		resp.ResultDisplay = result.Display
		s.terminateLocked(call, StatusError, resp)
	default:
		s.terminateLocked(call, StatusSuccess, successResponse(call.request, result))
	}
}

// outputUpdater returns the live-output callback for a streaming tool,
// or nil when the tool does not stream.
func (s *ToolScheduler) outputUpdater(call *toolCall) OutputUpdater {
	streaming, ok := call.tool.(StreamingTool)
	if !ok || !streaming.CanUpdateOutput() {
		return nil
	}
	return func(chunk string) {
		s.mu.Lock()
		if call.status == StatusExecuting {
			call.liveOutput += chunk
		}
		s.mu.Unlock()
		s.notifyUpdate()
	}
}

// setError moves a non-terminal call to the error state.
func (s *ToolScheduler) setError(call *toolCall, message string) {
	s.mu.Lock()
	s.terminateLocked(call, StatusError, errorResponse(call.request, message))
	s.mu.Unlock()
	s.notifyUpdate()
	s.checkAndNotifyCompletion()
}

// transitionLocked moves a call along a legal non-terminal edge.
func (s *ToolScheduler) transitionLocked(call *toolCall, to ToolCallStatus) {
	if call.status.IsTerminal() {
		s.logger.Warn("ignoring transition out of terminal state",
			"call_id", call.request.CallID, "from", call.status, "to", to)
		return
	}
	if !canTransition(call.status, to) {
		s.logger.Warn("ignoring invalid transition",
			"call_id", call.request.CallID, "from", call.status, "to", to)
		return
	}
	call.status = to
}

// terminateLocked moves a call into a terminal state and stamps its
// duration. Terminal states are never re-entered.
func (s *ToolScheduler) terminateLocked(call *toolCall, to ToolCallStatus, resp *models.ToolCallResponse) {
	if call.status.IsTerminal() {
		return
	}
	call.status = to
	call.response = resp
	call.durationMs = time.Since(call.startTime).Milliseconds()

	if s.opts.OnToolExecution != nil {
		s.opts.OnToolExecution(call.request.Name, to, time.Duration(call.durationMs)*time.Millisecond)
	}
}

// CancelAll transitions every non-executing, non-terminal call to
// cancelled. Executing calls are left to notice the aborted context and
// terminate themselves.
func (s *ToolScheduler) CancelAll() {
	s.mu.Lock()
	for _, call := range s.toolCalls {
		switch call.status {
		case StatusValidating, StatusScheduled, StatusAwaitingApproval:
			s.terminateLocked(call, StatusCancelled, errorResponse(call.request, cancelledByUserMessage))
		}
	}
	s.mu.Unlock()
	s.notifyUpdate()
	s.checkAndNotifyCompletion()
}

// checkAndNotifyCompletion runs the completion sweep: when the list is
// non-empty and every call is terminal, it captures the batch in request
// order, clears the list, fires OnAllToolsComplete, then notifies
// listeners of the empty state. Idempotent under interleaving because
// the predicate and the clear happen under one lock.
func (s *ToolScheduler) checkAndNotifyCompletion() {
	s.mu.Lock()
	if len(s.toolCalls) == 0 {
		s.mu.Unlock()
		return
	}
	for _, call := range s.toolCalls {
		if !call.status.IsTerminal() {
			s.mu.Unlock()
			return
		}
	}

	completed := make([]CompletedToolCall, 0, len(s.toolCalls))
	for _, call := range s.toolCalls {
		done := CompletedToolCall{
			Status:   call.status,
			Request:  call.request,
			Duration: time.Duration(call.durationMs) * time.Millisecond,
		}
		if call.response != nil {
			done.Response = *call.response
		}
		completed = append(completed, done)
	}
	s.toolCalls = nil
	s.mu.Unlock()

	s.logger.Debug("tool batch complete", "calls", len(completed))
	if s.opts.OnAllToolsComplete != nil {
		s.opts.OnAllToolsComplete(completed)
	}
	s.notifyUpdate()
}

// notifyUpdate passes a snapshot of the call list to the update listener.
func (s *ToolScheduler) notifyUpdate() {
	if s.opts.OnToolCallsUpdate == nil {
		return
	}
	s.opts.OnToolCallsUpdate(s.Snapshot())
}

// Snapshot returns listener-safe copies of the current calls.
func (s *ToolScheduler) Snapshot() []ToolCallSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]ToolCallSnapshot, 0, len(s.toolCalls))
	for _, call := range s.toolCalls {
		snap := ToolCallSnapshot{
			Status:       call.status,
			Request:      call.request,
			Confirmation: call.confirmation,
			DurationMs:   call.durationMs,
			LiveOutput:   call.liveOutput,
		}
		if call.response != nil {
			respCopy := *call.response
			snap.Response = &respCopy
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// successResponse formats a successful tool result as the one
// functionResponse part the model will see for this call.
func successResponse(req models.ToolCallRequest, result *models.ToolResult) *models.ToolCallResponse {
	output := ""
	if result != nil {
		output = result.ContentText()
	}
	resp := &models.ToolCallResponse{
		CallID: req.CallID,
		Parts: []models.Part{models.FunctionResponsePart(req.CallID, req.Name, map[string]any{
			"output": output,
		})},
	}
	if result != nil {
		resp.ResultDisplay = result.Display
	}
	return resp
}

// errorResponse formats a failure (or cancellation) for the model.
func errorResponse(req models.ToolCallRequest, message string) *models.ToolCallResponse {
	return &models.ToolCallResponse{
		CallID: req.CallID,
		Parts: []models.Part{models.FunctionResponsePart(req.CallID, req.Name, map[string]any{
			"error": message,
		})},
		Error: fmt.Errorf("%s", message),
	}
}
