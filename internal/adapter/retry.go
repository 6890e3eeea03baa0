package adapter

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/spellcast/pkg/schema"
)

// IsRetryableError classifies whether an adapter call failure should be
// retried. Retryable: network errors, timeouts, transient backend faults.
// Non-retryable: backend business rejections, validation errors,
// context cancellation (the cast is shutting down).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// CastError checks its own code. ADAPTER_REJECTED is the permanent
	// classification (policy rejection, invalid input accepted by our
	// validation but rejected downstream).
	var castErr *schema.CastError
	if errors.As(err, &castErr) {
		return castErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient provider failures.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable — the attempt budget bounds the damage.
	return true
}

// Backoff computes the delay before retry attempt n (0-based):
// base * 2^n, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if cap > 0 && delay >= cap {
			return cap
		}
	}
	if cap > 0 && delay > cap {
		return cap
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early on context cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
