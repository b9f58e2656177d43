package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Multiplier: 2}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 2, BaseDelay: time.Millisecond}, func() error {
		calls++
		return errors.New("permanent")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // first attempt + 2 retries
}

func TestDo_NonRetryableFailsFast(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		Retryable:  func(error) bool { return false },
	}, func() error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, Policy{MaxRetries: 10, BaseDelay: 50 * time.Millisecond}, func() error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Less(t, calls, 10)
}

func TestNextDelay_CapsAtMaxDelay(t *testing.T) {
	policy := Policy{Multiplier: 10, MaxDelay: 5 * time.Second}
	d := nextDelay(1*time.Second, policy)
	assert.Equal(t, 5*time.Second, d)
}
