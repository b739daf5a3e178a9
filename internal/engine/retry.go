package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable: network errors, timeouts, context.DeadlineExceeded, and
// EngineErrors whose code allows retry. Non-retryable: validation errors and
// context.Canceled (the run is shutting down).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is a per-attempt timeout, not a run shutdown.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient failures.
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

	// Conservative default: retryable, the policy caps attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (0-based: the
// first retry is attempt 0). With BackoffMultiplier > 1 the delay compounds
// per attempt; otherwise it grows linearly.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.DelayMs <= 0 {
		return 0
	}

	base := time.Duration(policy.DelayMs) * time.Millisecond
	if policy.BackoffMultiplier > 1 {
		delay := float64(base)
		for i := 0; i < attempt; i++ {
			delay *= policy.BackoffMultiplier
		}
		return time.Duration(delay)
	}
	return base * time.Duration(attempt+1)
}

// WaitForBackoff sleeps for the given delay or returns early when the
// context is cancelled.
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

// retryPolicyFor resolves the effective retry policy for a node, falling
// back to the process-level configuration.
func retryPolicyFor(node *schema.NodeDefinition, cfg schema.ProcessConfig) *schema.RetryPolicy {
	if node != nil && node.Retry != nil {
		return node.Retry
	}
	if cfg.RetryCount > 0 {
		return &schema.RetryPolicy{
			Max:               cfg.RetryCount,
			DelayMs:           cfg.RetryDelayMs,
			BackoffMultiplier: cfg.BackoffMultiplier,
		}
	}
	return &schema.RetryPolicy{Max: 1}
}
