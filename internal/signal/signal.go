// Package signal provides the cooperative cancellation primitive shared
// by the turn loop, the tool scheduler, and MCP transports.
//
// A Controller owns one cancellation scope. Abort is idempotent; once
// aborted the scope stays aborted until the owner calls Reset, which
// installs a fresh scope for the next unit of work. All blocking
// operations in the runtime take the scope's context and return promptly
// when it is cancelled.
package signal

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is the cancellation cause installed by Abort.
var ErrAborted = errors.New("operation aborted")

// Controller is a resettable abort scope.
type Controller struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewController creates a controller with a live scope derived from the
// background context.
func NewController() *Controller {
	c := &Controller{}
	c.resetLocked(context.Background())
	return c
}

// NewControllerWithParent derives the scope from parent, so cancelling
// the parent also aborts the scope.
func NewControllerWithParent(parent context.Context) *Controller {
	c := &Controller{}
	c.resetLocked(parent)
	return c
}

func (c *Controller) resetLocked(parent context.Context) {
	c.ctx, c.cancel = context.WithCancelCause(parent)
}

// Context returns the current scope. Callers must re-fetch after Reset.
func (c *Controller) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// Abort cancels the current scope. Safe to call multiple times.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel(ErrAborted)
}

// Aborted reports whether the current scope has been cancelled.
func (c *Controller) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.Err() != nil
}

// Done exposes the scope's done channel for select loops.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx.Done()
}

// Reset replaces an aborted (or live) scope with a fresh one. The old
// scope is cancelled first so no work can leak across the boundary.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel(ErrAborted)
	c.resetLocked(context.Background())
}

// IsAbort reports whether err is the abort cause or an ordinary context
// cancellation.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
