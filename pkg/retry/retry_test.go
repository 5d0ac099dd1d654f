package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RetryableErrors: []error{errTransient},
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsAtCeiling(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return errTransient
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, errTransient))
	assert.Equal(t, 3, attempts)
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	terminal := errors.New("terminal")
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return terminal
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Do(ctx, fastConfig(), func() error {
		attempts++
		cancel()
		return errTransient
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts)
}

func TestDoWithResult(t *testing.T) {
	t.Parallel()

	attempts := 0
	result, err := DoWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTransient
		}
		return "done", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", result)
}
