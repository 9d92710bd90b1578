package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
}

func TestNonRecoverableError(t *testing.T) {
	err := NewNonRecoverableError(errors.New("bad input"))
	assert.False(t, IsRecoverable(err))
}

func TestRecoverableByMessage(t *testing.T) {
	assert.True(t, IsRecoverable(errors.New("capacity exhausted, try later")))
	assert.True(t, IsRecoverable(errors.New("rate limit hit")))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnNonRecoverable(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return errors.New("permanent")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestRetrySucceedsMidway(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		if count < 3 {
			return NewRecoverableError(errors.New("transient"))
		}
		return nil
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRetryRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, func() error {
		return NewRecoverableError(errors.New("transient"))
	}, WithMaxRetries(3), WithBaseWait(time.Second))
	assert.ErrorIs(t, err, context.Canceled)
}
