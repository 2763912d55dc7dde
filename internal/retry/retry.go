// Package retry provides exponential backoff with jitter for transport
// operations, honoring Retry-After headers and surfacing persistent rate
// limiting to the host.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config configures retry behavior for transport calls.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration
	// ShouldRetry decides whether an error is transient. Defaults to
	// rate-limit and server-error classification.
	ShouldRetry func(error) bool
	// OnPersistent429 fires after three consecutive rate-limit failures,
	// letting the host degrade (switch model, shed load) before the next
	// attempt. The triggering attempt is not counted.
	OnPersistent429 func(ctx context.Context) error
}

// DefaultConfig returns the transport retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// persistent429Threshold is the consecutive rate-limit count that
// triggers the fallback hook.
const persistent429Threshold = 3

// Result contains the outcome of a retry operation.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do executes op with retries.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 5 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	delay := config.InitialDelay
	consecutive429 := 0

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if IsPermanent(err) || !shouldRetry(err) {
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= config.MaxAttempts {
			break
		}

		if isRateLimit(err) {
			consecutive429++
			if consecutive429 >= persistent429Threshold && config.OnPersistent429 != nil {
				if hookErr := config.OnPersistent429(ctx); hookErr == nil {
					// Host degraded; retry immediately without consuming
					// an attempt's worth of backoff.
					consecutive429 = 0
					continue
				}
			}
		} else {
			consecutive429 = 0
		}

		sleep := RetryAfter(err)
		if sleep <= 0 {
			// Jitter: delay * [0.7, 1.3]
			jitterFactor := 0.7 + 0.6*rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
			sleep = time.Duration(float64(delay) * jitterFactor)
			delay *= 2
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// StatusError carries an HTTP status and optional response headers so the
// retry loop can classify the failure and honor Retry-After.
type StatusError struct {
	StatusCode int
	Headers    http.Header
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsTransient is the default retry predicate: rate limits and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests ||
			(statusErr.StatusCode >= 500 && statusErr.StatusCode < 600)
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") {
		return true
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "bad gateway")
}

func isRateLimit(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests")
}

// RetryAfter extracts the server-requested delay from an error, if any.
// Accepts both delta-seconds and HTTP-date forms. Returns 0 when absent
// or unparseable.
func RetryAfter(err error) time.Duration {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Headers == nil {
		return 0
	}
	value := statusErr.Headers.Get("Retry-After")
	if value == "" {
		return 0
	}

	if seconds, parseErr := strconv.Atoi(value); parseErr == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, parseErr := http.ParseTime(value); parseErr == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
