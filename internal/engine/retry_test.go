package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no delay configured", &schema.RetryPolicy{Max: 3}, 1, 0},
		{"linear first retry", &schema.RetryPolicy{DelayMs: 100}, 0, 100 * time.Millisecond},
		{"linear third retry", &schema.RetryPolicy{DelayMs: 100}, 2, 300 * time.Millisecond},
		{"multiplier of one stays linear", &schema.RetryPolicy{DelayMs: 100, BackoffMultiplier: 1}, 2, 300 * time.Millisecond},
		{"compounding first retry", &schema.RetryPolicy{DelayMs: 100, BackoffMultiplier: 2}, 0, 100 * time.Millisecond},
		{"compounding second retry", &schema.RetryPolicy{DelayMs: 100, BackoffMultiplier: 2}, 1, 200 * time.Millisecond},
		{"compounding fourth retry", &schema.RetryPolicy{DelayMs: 100, BackoffMultiplier: 2}, 3, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestRetryPolicyFor(t *testing.T) {
	nodePolicy := &schema.RetryPolicy{Max: 5, DelayMs: 10}
	cfg := schema.ProcessConfig{RetryCount: 3, RetryDelayMs: 50, BackoffMultiplier: 2}

	t.Run("node policy wins", func(t *testing.T) {
		got := retryPolicyFor(&schema.NodeDefinition{Retry: nodePolicy}, cfg)
		assert.Equal(t, nodePolicy, got)
	})
	t.Run("falls back to process config", func(t *testing.T) {
		got := retryPolicyFor(&schema.NodeDefinition{}, cfg)
		assert.Equal(t, 3, got.Max)
		assert.Equal(t, int64(50), got.DelayMs)
		assert.Equal(t, 2.0, got.BackoffMultiplier)
	})
	t.Run("defaults to single attempt", func(t *testing.T) {
		got := retryPolicyFor(&schema.NodeDefinition{}, schema.ProcessConfig{})
		assert.Equal(t, 1, got.Max)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"validation engine error", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"execution engine error", schema.NewError(schema.ErrCodeExecution, "backend hiccup"), true},
		{"timeout engine error", schema.NewError(schema.ErrCodeTimeout, "too slow"), true},
		{"invalid transition", schema.NewError(schema.ErrCodeInvalidTransition, "no"), false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"unknown error defaults retryable", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestWaitForBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}
