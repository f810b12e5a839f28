package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return fmt.Errorf("attempt %d failed", attempts)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.EqualError(t, err, "attempt 3 failed")
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	base := errors.New("unsupported content type")
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return Permanent(fmt.Errorf("rejected: %w", base))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, base)
}

func TestPermanentNilIsNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestDoRespectsRetryableSet(t *testing.T) {
	retryable := errors.New("timeout")
	cfg := fastConfig()
	cfg.RetryableErrors = []error{retryable}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("schema violation")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = Do(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("call failed: %w", retryable)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, fastConfig(), func() error {
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("transient")
		}
		return "ready", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ready", got)
}
