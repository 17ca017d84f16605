package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives a Limiter or Backoff without real sleeping.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	cancel bool
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	if c.cancel {
		return context.Canceled
	}
	return nil
}

func newTestLimiter(jitter float64) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLimiter(jitter)
	l.now = func() time.Time { return clock.now }
	l.sleep = clock.sleep
	return l, clock
}

func TestLimiterSpacesRequests(t *testing.T) {
	l, clock := newTestLimiter(0)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "cups", time.Second))
	assert.Empty(t, clock.slept, "first request must not sleep")

	require.NoError(t, l.Wait(ctx, "cups", time.Second))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, time.Second, clock.slept[0])
}

func TestLimiterEndpointsAreIndependent(t *testing.T) {
	l, clock := newTestLimiter(0)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "cups", time.Second))
	require.NoError(t, l.Wait(ctx, "odds", time.Second))
	assert.Empty(t, clock.slept, "different endpoints must not block each other")
}

func TestLimiterNoSleepAfterInterval(t *testing.T) {
	l, clock := newTestLimiter(0)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "cups", time.Second))
	clock.now = clock.now.Add(2 * time.Second)
	require.NoError(t, l.Wait(ctx, "cups", time.Second))
	assert.Empty(t, clock.slept)
}

func TestLimiterJitterBounds(t *testing.T) {
	l := NewLimiter(0.5)
	for i := 0; i < 1000; i++ {
		adjusted := l.adjust(time.Second)
		assert.GreaterOrEqual(t, adjusted, 750*time.Millisecond)
		assert.LessOrEqual(t, adjusted, 1250*time.Millisecond)
	}
}

func TestLimiterFloor(t *testing.T) {
	l := NewLimiter(0)
	assert.Equal(t, minInterval, l.adjust(time.Millisecond))
}

func TestBackoffRetryBudget(t *testing.T) {
	clock := &fakeClock{}
	b := NewBackoff(3, time.Second, 30*time.Second, 2)
	b.sleep = clock.sleep
	ctx := context.Background()

	assert.True(t, b.WaitBeforeRetry(ctx, "cups"))
	assert.True(t, b.WaitBeforeRetry(ctx, "cups"))
	assert.True(t, b.WaitBeforeRetry(ctx, "cups"))
	assert.False(t, b.WaitBeforeRetry(ctx, "cups"), "budget of 3 is spent")
	assert.Len(t, clock.slept, 3)

	// Exponential growth within ±10% jitter.
	assert.InDelta(t, float64(time.Second), float64(clock.slept[0]), float64(time.Second)*0.1)
	assert.InDelta(t, float64(2*time.Second), float64(clock.slept[1]), float64(2*time.Second)*0.1)
	assert.InDelta(t, float64(4*time.Second), float64(clock.slept[2]), float64(4*time.Second)*0.1)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	clock := &fakeClock{}
	b := NewBackoff(10, time.Second, 2*time.Second, 10)
	b.sleep = clock.sleep

	b.WaitBeforeRetry(context.Background(), "cups")
	b.WaitBeforeRetry(context.Background(), "cups")
	assert.LessOrEqual(t, clock.slept[1], time.Duration(float64(2*time.Second)*1.1))
}

func TestBackoffReset(t *testing.T) {
	clock := &fakeClock{}
	b := NewBackoff(1, time.Second, 30*time.Second, 2)
	b.sleep = clock.sleep
	ctx := context.Background()

	assert.True(t, b.WaitBeforeRetry(ctx, "cups"))
	assert.False(t, b.WaitBeforeRetry(ctx, "cups"))
	b.Reset("cups")
	assert.True(t, b.WaitBeforeRetry(ctx, "cups"))
	assert.Equal(t, 1, b.Attempts("cups"))
}

func TestBackoffCancelledContext(t *testing.T) {
	clock := &fakeClock{cancel: true}
	b := NewBackoff(3, time.Second, 30*time.Second, 2)
	b.sleep = clock.sleep
	assert.False(t, b.WaitBeforeRetry(context.Background(), "cups"))
}
