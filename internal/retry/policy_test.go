package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipass/backend/internal/domain"
)

func TestPolicy_Delay(t *testing.T) {
	p := New(100*time.Millisecond, 5)
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))

	p.MaxDelay = 300 * time.Millisecond
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
}

func TestPolicy_DelaySaturatesInsteadOfOverflowing(t *testing.T) {
	p := New(500*time.Millisecond, 100)
	prev := p.Delay(0)
	for attempt := 1; attempt < 100; attempt++ {
		d := p.Delay(attempt)
		require.True(t, d > 0 && d >= prev, "attempt %d: delay %s after %s", attempt, d, prev)
		prev = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), p.Delay(99))
}

func TestPolicy_DoRetriesUntilVisible(t *testing.T) {
	p := New(time.Millisecond, 5)
	calls := 0

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrNotFound
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_DoStopsOnPermanentErrors(t *testing.T) {
	p := New(time.Millisecond, 5)
	calls := 0
	invalid := domain.NewValidationError("title", "required")

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return invalid
	})
	assert.Equal(t, 1, calls)
	assert.True(t, domain.IsValidation(err))
}

func TestPolicy_DoExhaustion(t *testing.T) {
	p := New(time.Millisecond, 3)
	calls := 0

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return domain.ErrTransient
	})
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, domain.ErrPermanentFailure))
	assert.True(t, errors.Is(err, domain.ErrTransient))
}

func TestPolicy_DoHonoursCancellation(t *testing.T) {
	p := New(time.Hour, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(context.Context) error { return domain.ErrNotFound })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	p := New(time.Millisecond, 2)
	v, err := DoValue(context.Background(), p, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
