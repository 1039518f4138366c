package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "github.com/p-blackswan/trackersync/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return perrors.ErrAuthFailure
	})
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	assert.Equal(t, 1, calls) // Should not retry
}

func TestDo_RetryableError_EventualSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: false}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return perrors.ErrTimeout
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_RetryableError_AllFail(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: false}
	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return perrors.NewAPIError("tracker", 429, "rate limit")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	err := Do(ctx, cfg, func(ctx context.Context) error {
		calls++
		return perrors.ErrTimeout
	})
	// First call happens, then context is cancelled
	assert.Error(t, err)
}

func TestDo_GenericNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func(ctx context.Context) error {
		calls++
		return errors.New("generic error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	cfg := Config{BaseDelay: time.Minute, MaxDelay: 5 * time.Minute}
	assert.Equal(t, time.Minute, Backoff(cfg, 1))
	assert.Equal(t, 2*time.Minute, Backoff(cfg, 2))
	assert.Equal(t, 4*time.Minute, Backoff(cfg, 3))
	assert.Equal(t, 5*time.Minute, Backoff(cfg, 4))
	assert.Equal(t, 5*time.Minute, Backoff(cfg, 60))
	assert.Equal(t, time.Minute, Backoff(cfg, 0))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: true}
	for i := 0; i < 20; i++ {
		d := Backoff(cfg, 2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}
