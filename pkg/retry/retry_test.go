package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, isTransient, WithMaxAttempts(5), WithBaseDelay(time.Millisecond))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPermanentErrorFailsFast(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errPermanent
	}, isTransient, WithBaseDelay(time.Millisecond))

	assert.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	var hooked []int
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, isTransient,
		WithMaxAttempts(3),
		WithBaseDelay(time.Millisecond),
		WithOnRetry(func(attempt int, _ error) { hooked = append(hooked, attempt) }),
	)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, hooked)
}

func TestCancelledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	}, isTransient, WithMaxAttempts(5), WithBaseDelay(time.Hour))

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestInvalidOptions(t *testing.T) {
	noop := func(context.Context) error { return nil }
	assert.ErrorIs(t, Do(context.Background(), noop, nil, WithMaxAttempts(0)), ErrInvalidMaxAttempts)
	assert.ErrorIs(t, Do(context.Background(), noop, nil, WithBaseDelay(-1)), ErrNegativeBaseDelay)
	assert.ErrorIs(t, Do(context.Background(), noop, nil, WithJitterFactor(1.5)), ErrInvalidJitterFactor)
}

func TestBackoffGrows(t *testing.T) {
	assert.Equal(t, 10*time.Millisecond, Backoff(10*time.Millisecond, 1, 0))
	assert.Equal(t, 40*time.Millisecond, Backoff(10*time.Millisecond, 3, 0))
	assert.Equal(t, 10*time.Millisecond, Backoff(10*time.Millisecond, 0, 0))
}
