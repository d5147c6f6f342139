package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock, opts ...Option) *Breaker {
	return New("test", append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestBreaker_InitialState(t *testing.T) {
	b := New("test")
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
	assert.True(t, b.Allow())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	useFallback, change := b.RecordFailure()
	assert.False(t, useFallback)
	assert.False(t, change.Opened)

	useFallback, change = b.RecordFailure()
	assert.False(t, useFallback)
	assert.False(t, change.Opened)

	useFallback, change = b.RecordFailure()
	assert.True(t, useFallback)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())
	assert.False(t, b.Allow())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("test", WithFailureThreshold(3))

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordSuccess()

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())

	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock, WithFailureThreshold(1), WithCooldown(time.Minute))

	b.RecordFailure()
	assert.False(t, b.Allow(), "open breaker rejects before cooldown")

	clock.Advance(time.Minute)
	assert.True(t, b.Allow(), "first caller after cooldown is the trial")
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "second caller rejected while trial in flight")

	change := b.RecordSuccess()
	assert.True(t, change.Closed)
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedTrialDoublesCooldownUpToCap(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock,
		WithFailureThreshold(1),
		WithCooldown(time.Minute),
		WithMaxCooldown(3*time.Minute),
	)

	b.RecordFailure()
	assert.Equal(t, time.Minute, b.Snapshot().Cooldown)

	clock.Advance(time.Minute)
	require.True(t, b.Allow())
	_, change := b.RecordFailure()
	assert.True(t, change.Opened)
	assert.Equal(t, 2*time.Minute, b.Snapshot().Cooldown)

	clock.Advance(time.Minute)
	assert.False(t, b.Allow(), "doubled cooldown not yet elapsed")

	clock.Advance(time.Minute)
	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, 3*time.Minute, b.Snapshot().Cooldown, "cooldown capped")

	clock.Advance(3 * time.Minute)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, time.Minute, b.Snapshot().Cooldown, "success restores base cooldown")
}

func TestBreaker_Snapshot(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock, WithFailureThreshold(2))

	b.RecordFailure()
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.Mode)
	assert.Equal(t, 1, snap.FailureCount)
	assert.Nil(t, snap.OpenedAt)

	b.RecordFailure()
	snap = b.Snapshot()
	assert.Equal(t, StateOpen, snap.Mode)
	require.NotNil(t, snap.OpenedAt)
	assert.Equal(t, clock.Now(), *snap.OpenedAt)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	b.RecordFailure()
	assert.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpenCircuitReturnsFallback(t *testing.T) {
	b := New("test", WithFailureThreshold(1))

	b.RecordFailure()

	useFallback, change := b.RecordFailure()
	assert.True(t, useFallback)
	assert.False(t, change.Opened)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	errBoom := errors.New("boom")

	t.Run("success returns operation value", func(t *testing.T) {
		b := New("exec")
		out := Execute(ctx, b, func(context.Context) (int, error) { return 7, nil }, nil)
		assert.True(t, out.HasValue)
		assert.False(t, out.FromFallback)
		assert.Equal(t, 7, out.Value)
		assert.NoError(t, out.Err)
	})

	t.Run("failure serves fallback", func(t *testing.T) {
		b := New("exec")
		out := Execute(ctx, b,
			func(context.Context) (int, error) { return 0, errBoom },
			func() (int, bool) { return 3, true },
		)
		assert.True(t, out.FromFallback)
		assert.Equal(t, 3, out.Value)
		assert.ErrorIs(t, out.Err, errBoom)
	})

	t.Run("open breaker does not invoke operation", func(t *testing.T) {
		b := New("exec", WithFailureThreshold(2))
		calls := 0
		op := func(context.Context) (int, error) {
			calls++
			return 0, errBoom
		}
		Execute(ctx, b, op, nil)
		Execute(ctx, b, op, nil)
		require.Equal(t, 2, calls)
		require.Equal(t, StateOpen, b.State())

		out := Execute(ctx, b, op, func() (int, bool) { return 42, true })
		assert.Equal(t, 2, calls)
		assert.True(t, out.Rejected)
		assert.ErrorIs(t, out.Err, ErrOpen)
		assert.Equal(t, 42, out.Value)
	})

	t.Run("no fallback leaves value empty", func(t *testing.T) {
		b := New("exec")
		out := Execute(ctx, b,
			func(context.Context) (int, error) { return 0, errBoom },
			func() (int, bool) { return 0, false },
		)
		assert.False(t, out.HasValue)
		assert.False(t, out.FromFallback)
	})
}
