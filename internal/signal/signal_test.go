package signal

import (
	"context"
	"testing"
	"time"
)

func TestAbortIsIdempotent(t *testing.T) {
	c := NewController()
	if c.Aborted() {
		t.Fatal("new controller should not be aborted")
	}

	c.Abort()
	c.Abort()

	if !c.Aborted() {
		t.Fatal("controller should be aborted")
	}
	if cause := context.Cause(c.Context()); cause != ErrAborted {
		t.Errorf("cause = %v, want ErrAborted", cause)
	}
}

func TestResetInstallsFreshScope(t *testing.T) {
	c := NewController()
	old := c.Context()

	c.Abort()
	c.Reset()

	if c.Aborted() {
		t.Fatal("controller should be live after reset")
	}
	if old.Err() == nil {
		t.Error("old scope should stay cancelled")
	}
	if c.Context() == old {
		t.Error("reset should replace the context")
	}
}

func TestDoneUnblocksOnAbort(t *testing.T) {
	c := NewController()
	done := c.Done()

	go c.Abort()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done channel never closed")
	}
}

func TestParentCancellationPropagates(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := NewControllerWithParent(parent)

	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("parent cancellation did not propagate")
	}
	if !c.Aborted() {
		t.Error("controller should report aborted")
	}
}

func TestIsAbort(t *testing.T) {
	if !IsAbort(ErrAborted) {
		t.Error("ErrAborted should be an abort")
	}
	if !IsAbort(context.Canceled) {
		t.Error("context.Canceled should be an abort")
	}
	if IsAbort(context.DeadlineExceeded) {
		t.Error("deadline exceeded is not an abort")
	}
}
