package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetrun/valet/internal/llm"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), func() (string, error) {
		calls++
		return "ok", nil
	}, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	}, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), func() (int, error) {
		calls++
		return 0, errors.New("503 service unavailable")
	}, Config{MaxAttempts: 3, InitialBackoff: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), func() (int, error) {
		calls++
		return 0, llm.Rejection("content policy")
	}, Config{MaxAttempts: 5, InitialBackoff: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "rejections are never retried")
	assert.True(t, llm.IsRejection(err))
}

func TestDo_HonorsContextDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, func() (int, error) {
			calls++
			return 0, errors.New("timeout")
		}, Config{MaxAttempts: 10, InitialBackoff: time.Minute})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(llm.Rejection("bad request")))
	assert.False(t, IsRetryable(errors.New("401 unauthorized")))
	assert.False(t, IsRetryable(errors.New("403 forbidden")))
	assert.False(t, IsRetryable(errors.New("context canceled")))

	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
	assert.True(t, IsRetryable(errors.New("429 too many requests")))
	assert.True(t, IsRetryable(errors.New("502 bad gateway")))
	assert.True(t, IsRetryable(errors.New("request timed out")))
}

func TestCalculateBackoff(t *testing.T) {
	initial := time.Second
	max := 10 * time.Second

	assert.Equal(t, time.Second, calculateBackoff(0, initial, max))
	assert.Equal(t, 2*time.Second, calculateBackoff(1, initial, max))
	assert.Equal(t, 4*time.Second, calculateBackoff(2, initial, max))
	assert.Equal(t, 8*time.Second, calculateBackoff(3, initial, max))
	assert.Equal(t, max, calculateBackoff(4, initial, max), "backoff is capped")
}
