package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestDoSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("attempts=%d calls=%d, want 1/1", result.Attempts, calls)
	}
}

func TestDoRetryThenSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return &StatusError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected eventual success, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDoNonTransientFailsFast(t *testing.T) {
	badRequest := &StatusError{StatusCode: http.StatusBadRequest, Err: errors.New("bad request")}

	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return badRequest
	})

	if calls != 1 {
		t.Errorf("non-transient error retried %d times", calls)
	}
	if !errors.Is(result.Err, badRequest) {
		t.Errorf("result.Err = %v, want original error", result.Err)
	}
}

func TestDoPermanentWrapperFailsFast(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		// 503 would normally retry, Permanent overrides.
		return Permanent(&StatusError{StatusCode: http.StatusServiceUnavailable})
	})

	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
	if !IsPermanent(result.Err) {
		t.Error("result should carry the permanent error")
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(), func() error {
		calls++
		return &StatusError{StatusCode: http.StatusInternalServerError}
	})

	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if result.Err == nil {
		t.Error("exhausted retries should return the last error")
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := Do(ctx, fastConfig(), func() error {
		t.Fatal("op should not run with cancelled context")
		return nil
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("result.Err = %v, want context.Canceled", result.Err)
	}
}

func TestPersistent429TriggersFallback(t *testing.T) {
	rateLimited := &StatusError{StatusCode: http.StatusTooManyRequests}

	hookCalls := 0
	config := fastConfig()
	config.OnPersistent429 = func(ctx context.Context) error {
		hookCalls++
		return nil
	}

	calls := 0
	Do(context.Background(), config, func() error {
		calls++
		return rateLimited
	})

	if hookCalls == 0 {
		t.Error("fallback hook never fired despite persistent 429s")
	}
	// The hook resets the streak, so it needs three more 429s to fire
	// again; five attempts allow at most one firing plus the free retry.
	if hookCalls > 2 {
		t.Errorf("hook fired %d times, want at most 2", hookCalls)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "7")
	err := &StatusError{StatusCode: http.StatusTooManyRequests, Headers: headers}

	if got := RetryAfter(err); got != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got)
	}
}

func TestRetryAfterHTTPDate(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", time.Now().Add(10*time.Second).UTC().Format(http.TimeFormat))
	err := &StatusError{StatusCode: http.StatusTooManyRequests, Headers: headers}

	got := RetryAfter(err)
	if got <= 0 || got > 11*time.Second {
		t.Errorf("RetryAfter = %v, want ~10s", got)
	}
}

func TestRetryAfterAbsentOrGarbage(t *testing.T) {
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Errorf("plain error: %v, want 0", got)
	}

	headers := http.Header{}
	headers.Set("Retry-After", "soonish")
	err := &StatusError{StatusCode: http.StatusTooManyRequests, Headers: headers}
	if got := RetryAfter(err); got != 0 {
		t.Errorf("garbage header: %v, want 0", got)
	}
}

func TestIsTransientByMessage(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("HTTP 429: too many requests"), true},
		{errors.New("server returned 503"), true},
		{errors.New("bad gateway"), true},
		{errors.New("invalid api key"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDoWithValue(t *testing.T) {
	value, result := DoWithValue(context.Background(), fastConfig(), func() (string, error) {
		return "ok", nil
	})
	if value != "ok" || result.Err != nil {
		t.Errorf("value=%q err=%v", value, result.Err)
	}
}
